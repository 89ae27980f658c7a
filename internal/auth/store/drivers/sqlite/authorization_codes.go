package sqlite

import (
	"context"
	"database/sql"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
)

type authorizationCodesRepo struct {
	q querier
}

func (r *authorizationCodesRepo) CreateAuthorizationCode(ctx context.Context, code domain.AuthorizationCode) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO authorization_codes
		 (id, user_id, client_id, code_hash, redirect_uri, scope, session_id, acr, amr, nonce, code_challenge, code_challenge_method, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID, code.UserID, code.ClientID, code.CodeHash, code.RedirectURI,
		code.Scope, code.SessionID, code.ACR, joinFields(code.AMR), code.Nonce,
		code.CodeChallenge, code.CodeChallengeMethod, code.ExpiresAt)
	return mapConstraint(err)
}

// ConsumeAuthorizationCode redeems a code exactly once. The guarded UPDATE
// wins or loses atomically, so concurrent redemptions cannot both succeed.
func (r *authorizationCodesRepo) ConsumeAuthorizationCode(
	ctx context.Context,
	hash string,
) (domain.AuthorizationCode, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE authorization_codes SET used_at = CURRENT_TIMESTAMP
		 WHERE code_hash = ? AND used_at IS NULL AND expires_at > CURRENT_TIMESTAMP`, hash)
	if err != nil {
		return domain.AuthorizationCode{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.AuthorizationCode{}, err
	}
	if n == 0 {
		return domain.AuthorizationCode{}, store.ErrNotFound
	}

	row := r.q.QueryRowContext(ctx,
		`SELECT id, user_id, client_id, code_hash, redirect_uri, scope, session_id, acr, amr, nonce,
		        code_challenge, code_challenge_method, expires_at, used_at, created_at
		 FROM authorization_codes WHERE code_hash = ?`, hash)

	var c domain.AuthorizationCode
	var amr string
	var used sql.NullTime
	err = row.Scan(&c.ID, &c.UserID, &c.ClientID, &c.CodeHash, &c.RedirectURI,
		&c.Scope, &c.SessionID, &c.ACR, &amr, &c.Nonce,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.ExpiresAt, &used, &c.CreatedAt)
	if err != nil {
		return domain.AuthorizationCode{}, mapNotFound(err)
	}
	c.AMR = splitFields(amr)
	c.UsedAt = mapNullTimePtr(used)
	return c, nil
}

func (r *authorizationCodesRepo) DeleteExpiredAuthorizationCodes(ctx context.Context) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE expires_at < CURRENT_TIMESTAMP`)
	return err
}
