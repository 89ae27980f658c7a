package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/tradematch/authority/internal/auth/domain"
)

type sessionsRepo struct {
	q querier
}

const sessionColumns = `id, user_id, client_id, acr, amr, user_agent, remote_addr, expires_at, revoked_at, created_at, updated_at`

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var amr string
	var revoked sql.NullTime
	err := scan(&s.ID, &s.UserID, &s.ClientID, &s.ACR, &amr, &s.UserAgent,
		&s.RemoteAddr, &s.ExpiresAt, &revoked, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Session{}, mapNotFound(err)
	}
	s.AMR = splitFields(amr)
	s.RevokedAt = mapNullTimePtr(revoked)
	return s, nil
}

func (r *sessionsRepo) CreateSession(ctx context.Context, s domain.Session) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, client_id, acr, amr, user_agent, remote_addr, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.ClientID, s.ACR, joinFields(s.AMR), s.UserAgent, s.RemoteAddr, s.ExpiresAt)
	return mapConstraint(err)
}

func (r *sessionsRepo) GetSessionByID(ctx context.Context, sid string) (domain.Session, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sid)
	return scanSession(row.Scan)
}

func (r *sessionsRepo) ListUserSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND revoked_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionsRepo) TouchSession(ctx context.Context, sid string, expiresAt time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND revoked_at IS NULL`, expiresAt, sid)
	return err
}

func (r *sessionsRepo) ElevateSession(ctx context.Context, sid, acr string, amr []string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET acr = ?, amr = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND revoked_at IS NULL`, acr, joinFields(amr), sid)
	return err
}

func (r *sessionsRepo) RevokeSession(ctx context.Context, sid string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND revoked_at IS NULL`, sid)
	return err
}

func (r *sessionsRepo) RevokeAllUserSessions(ctx context.Context, userID string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND revoked_at IS NULL`, userID)
	return err
}

func (r *sessionsRepo) ListExpiringSessions(ctx context.Context, within time.Duration) ([]domain.Session, error) {
	cutoff := time.Now().Add(within).UTC()
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE revoked_at IS NULL AND expires_at > CURRENT_TIMESTAMP AND expires_at <= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < CURRENT_TIMESTAMP`)
	return err
}
