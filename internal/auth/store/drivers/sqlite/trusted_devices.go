package sqlite

import (
	"context"
	"database/sql"

	"github.com/tradematch/authority/internal/auth/domain"
)

type trustedDevicesRepo struct {
	q querier
}

const trustedDeviceColumns = `id, user_id, label, expires_at, revoked_at, created_at, last_seen_at`

func scanTrustedDevice(scan func(dest ...any) error) (domain.TrustedDevice, error) {
	var d domain.TrustedDevice
	var revoked sql.NullTime
	err := scan(&d.ID, &d.UserID, &d.Label, &d.ExpiresAt, &revoked, &d.CreatedAt, &d.LastSeenAt)
	if err != nil {
		return domain.TrustedDevice{}, mapNotFound(err)
	}
	d.RevokedAt = mapNullTimePtr(revoked)
	return d, nil
}

func (r *trustedDevicesRepo) CreateTrustedDevice(ctx context.Context, d domain.TrustedDevice) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO trusted_devices (id, user_id, label, expires_at)
		 VALUES (?, ?, ?, ?)`,
		d.ID, d.UserID, d.Label, d.ExpiresAt)
	return mapConstraint(err)
}

func (r *trustedDevicesRepo) GetTrustedDevice(ctx context.Context, id string) (domain.TrustedDevice, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+trustedDeviceColumns+` FROM trusted_devices WHERE id = ?`, id)
	return scanTrustedDevice(row.Scan)
}

func (r *trustedDevicesRepo) ListUserTrustedDevices(ctx context.Context, userID string) ([]domain.TrustedDevice, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+trustedDeviceColumns+` FROM trusted_devices
		 WHERE user_id = ? AND revoked_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TrustedDevice
	for rows.Next() {
		d, err := scanTrustedDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *trustedDevicesRepo) TouchTrustedDevice(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE trusted_devices SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

func (r *trustedDevicesRepo) RevokeTrustedDevice(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE trusted_devices SET revoked_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND revoked_at IS NULL`, id)
	return err
}

func (r *trustedDevicesRepo) RevokeAllUserTrustedDevices(ctx context.Context, userID string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE trusted_devices SET revoked_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND revoked_at IS NULL`, userID)
	return err
}

func (r *trustedDevicesRepo) DeleteExpiredTrustedDevices(ctx context.Context) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM trusted_devices WHERE expires_at < CURRENT_TIMESTAMP`)
	return err
}
