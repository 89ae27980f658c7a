package sqlite

import (
	"context"
	"database/sql"

	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
)

type actionTokensRepo struct {
	q querier
}

func (r *actionTokensRepo) CreateActionToken(ctx context.Context, t domain.ActionToken) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO action_tokens (id, user_id, purpose, token_hash, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Purpose, t.TokenHash, t.ExpiresAt)
	return mapConstraint(err)
}

// ConsumeActionToken marks the token used and returns it in one step. The
// guarded UPDATE is what enforces single use: a second caller matches zero
// rows.
func (r *actionTokensRepo) ConsumeActionToken(
	ctx context.Context,
	hash string,
	purpose domain.ActionTokenPurpose,
) (domain.ActionToken, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE action_tokens SET used_at = CURRENT_TIMESTAMP
		 WHERE token_hash = ? AND purpose = ? AND used_at IS NULL AND expires_at > CURRENT_TIMESTAMP`,
		hash, purpose)
	if err != nil {
		return domain.ActionToken{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ActionToken{}, err
	}
	if n == 0 {
		return domain.ActionToken{}, store.ErrNotFound
	}

	row := r.q.QueryRowContext(ctx,
		`SELECT id, user_id, purpose, token_hash, expires_at, used_at, created_at
		 FROM action_tokens WHERE token_hash = ?`, hash)

	var t domain.ActionToken
	var used sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.Purpose, &t.TokenHash, &t.ExpiresAt, &used, &t.CreatedAt); err != nil {
		return domain.ActionToken{}, mapNotFound(err)
	}
	t.UsedAt = mapNullTimePtr(used)
	return t, nil
}

func (r *actionTokensRepo) InvalidateUserActionTokens(
	ctx context.Context,
	userID string,
	purpose domain.ActionTokenPurpose,
) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE action_tokens SET used_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND purpose = ? AND used_at IS NULL`,
		userID, purpose)
	return err
}

func (r *actionTokensRepo) DeleteExpiredActionTokens(ctx context.Context) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM action_tokens WHERE expires_at < CURRENT_TIMESTAMP`)
	return err
}
