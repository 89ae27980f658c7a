package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/tradematch/authority/internal/auth/domain"
)

type clientsRepo struct {
	q querier
}

const clientColumns = `id, name, secret_hash, redirect_uris, scope, public, protected, created_at, updated_at`

func scanClient(scan func(dest ...any) error) (domain.Client, error) {
	var c domain.Client
	var secret sql.NullString
	var redirects string
	err := scan(&c.ID, &c.Name, &secret, &redirects, &c.Scope, &c.Public, &c.Protected, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Client{}, mapNotFound(err)
	}
	c.SecretHash = mapNullString(secret)
	c.RedirectURIs = splitFields(redirects)
	return c, nil
}

func (r *clientsRepo) GetClientByID(ctx context.Context, id string) (domain.Client, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	return scanClient(row.Scan)
}

func (r *clientsRepo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Client
	for rows.Next() {
		c, err := scanClient(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *clientsRepo) CreateClient(ctx context.Context, c domain.Client) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO clients (id, name, secret_hash, redirect_uris, scope, public, protected)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, mapStringNull(c.SecretHash), strings.Join(c.RedirectURIs, " "),
		c.Scope, c.Public, c.Protected)
	return mapConstraint(err)
}

func (r *clientsRepo) DeleteClient(ctx context.Context, clientID string) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM clients WHERE id = ? AND protected = 0`, clientID)
	return err
}

func (r *clientsRepo) IsEmpty(ctx context.Context) (bool, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM clients`).Scan(&n); err != nil {
		return false, err
	}
	return n == 0, nil
}
