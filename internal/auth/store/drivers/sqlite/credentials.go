package sqlite

import (
	"context"
	"database/sql"

	"github.com/tradematch/authority/internal/auth/domain"
)

type credentialsRepo struct {
	q querier
}

const credentialColumns = `id, user_id, kind, status, label, secret, credential_id, counter, created_at, updated_at, last_used_at`

func scanCredential(scan func(dest ...any) error) (domain.Credential, error) {
	var c domain.Credential
	var lastUsed sql.NullTime
	err := scan(&c.ID, &c.UserID, &c.Kind, &c.Status, &c.Label, &c.Secret,
		&c.CredentialID, &c.Counter, &c.CreatedAt, &c.UpdatedAt, &lastUsed)
	if err != nil {
		return domain.Credential{}, mapNotFound(err)
	}
	c.LastUsedAt = mapNullTimePtr(lastUsed)
	return c, nil
}

func (r *credentialsRepo) CreateCredential(ctx context.Context, c domain.Credential) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO credentials (id, user_id, kind, status, label, secret, credential_id, counter)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Kind, c.Status, c.Label, c.Secret, c.CredentialID, c.Counter)
	return mapConstraint(err)
}

func (r *credentialsRepo) GetCredentialByID(ctx context.Context, id string) (domain.Credential, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row.Scan)
}

func (r *credentialsRepo) GetCredentialByWebAuthnID(ctx context.Context, credentialID []byte) (domain.Credential, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE credential_id = ?`, credentialID)
	return scanCredential(row.Scan)
}

func (r *credentialsRepo) ListUserCredentials(
	ctx context.Context,
	userID string,
	kind domain.CredentialKind,
	activeOnly bool,
) ([]domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE user_id = ?`
	args := []any{userID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	if activeOnly {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *credentialsRepo) ActivateCredential(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE credentials SET status = 'active', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

func (r *credentialsRepo) UpdateCredentialCounter(ctx context.Context, id string, counter int64) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE credentials SET counter = ?, last_used_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`, counter, id)
	return err
}

func (r *credentialsRepo) DeleteCredential(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	return err
}

func (r *credentialsRepo) DeletePendingCredentials(ctx context.Context, userID string, kind domain.CredentialKind) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND kind = ? AND status = 'pending'`, userID, kind)
	return err
}
