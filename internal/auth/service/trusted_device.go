package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tradematch/authority/internal/auth/cache"
	"github.com/tradematch/authority/internal/auth/domain"
	"github.com/tradematch/authority/internal/auth/store"
	"github.com/tradematch/authority/pkg/cryptox"
	"github.com/tradematch/authority/pkg/jwtx"
	"github.com/tradematch/authority/pkg/slogx"
)

const trustedDeviceCachePrefix = "td:"

// TrustedDeviceService issues and verifies the cookie pair that lets a
// returning device skip a repeated step-up: an opaque device id checkable
// server-side, plus a self-contained HMAC-signed metadata blob used when no
// shared cache is reachable.
type TrustedDeviceService struct {
	Store  store.Store
	Cache  cache.Cache
	Audit  *slog.Logger
	Secret []byte // HMAC key for the tdmeta blob
	TTL    time.Duration
}

// Issue records a new trusted device and returns the two cookie values.
func (s *TrustedDeviceService) Issue(ctx context.Context, userID, label, acr string, amr []string) (tdid, tdmeta string, err error) {
	tdid, err = cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", "", err
	}
	now := time.Now()

	if err := s.Store.TrustedDevices().CreateTrustedDevice(ctx, domain.TrustedDevice{
		ID:        tdid,
		UserID:    userID,
		Label:     label,
		ExpiresAt: now.Add(s.TTL),
	}); err != nil {
		return "", "", err
	}

	// Cache write is best effort; the DB row and the signed blob both cover
	// for a cold cache.
	if cerr := s.Cache.Set(ctx, trustedDeviceCachePrefix+tdid, userID, s.TTL); cerr != nil {
		slogx.FromContext(ctx).Warn("trusted device cache write failed", slog.Any("error", cerr))
	}

	meta := domain.TrustedDeviceMeta{
		DeviceID: tdid,
		UserID:   userID,
		ACR:      acr,
		AMR:      amr,
		IssuedAt: now.Unix(),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return "", "", err
	}
	tdmeta = cryptox.SignBlob(s.Secret, payload)

	s.Audit.Info("trusted device issued",
		slog.String("user_id", userID),
		slog.String("tdid", slogx.Mask(tdid)),
	)
	return tdid, tdmeta, nil
}

// Verify decides whether the presented cookie pair is a live trusted device
// for userID, returning the factors the device recorded. It prefers the
// server-side record and falls back to the signed blob; nothing in here
// errors out to the caller, a bad marker just means "no trusted device".
func (s *TrustedDeviceService) Verify(ctx context.Context, userID, tdid, tdmeta string) ([]string, bool) {
	if tdid == "" {
		return nil, false
	}
	l := slogx.FromContext(ctx)

	serverSide, definitive := s.verifyServerSide(ctx, userID, tdid)
	if !serverSide {
		// A revoked or mismatched record is final; the signed blob only
		// stands in when the server has no opinion at all.
		if definitive || tdmeta == "" {
			return nil, false
		}
	}

	// The blob carries the recorded factors, so it is decoded even when the
	// server-side check already passed.
	var meta domain.TrustedDeviceMeta
	if tdmeta != "" {
		payload, err := cryptox.OpenBlob(s.Secret, tdmeta)
		if err == nil {
			_ = json.Unmarshal(payload, &meta)
		} else if !serverSide {
			l.Debug("trusted device blob rejected", slog.Any("error", err))
			return nil, false
		}
	}

	if meta.DeviceID != "" {
		if meta.DeviceID != tdid || meta.UserID != userID {
			return nil, false
		}
		if !serverSide {
			issued := time.Unix(meta.IssuedAt, 0)
			if time.Since(issued) > s.TTL {
				return nil, false
			}
		}
	} else if !serverSide {
		return nil, false
	}

	_ = s.Store.TrustedDevices().TouchTrustedDevice(ctx, tdid)

	factors := meta.AMR
	if len(factors) == 0 {
		factors = []string{jwtx.AMRPassword, jwtx.AMROTP}
	}
	return dedupe(factors), true
}

// verifyServerSide reports whether the device record vouches for userID. The
// second return says the answer is authoritative: a row that exists but is
// revoked or owned by someone else must not be overridden by the blob.
func (s *TrustedDeviceService) verifyServerSide(ctx context.Context, userID, tdid string) (ok, definitive bool) {
	if owner, err := s.Cache.Get(ctx, trustedDeviceCachePrefix+tdid); err == nil {
		return owner == userID, true
	}
	d, err := s.Store.TrustedDevices().GetTrustedDevice(ctx, tdid)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slogx.FromContext(ctx).Warn("trusted device lookup failed", slog.Any("error", err))
		}
		return false, false
	}
	return d.UserID == userID && d.Valid(time.Now()), true
}

// RevokeAllForUser forgets every device a user trusted (logout-everywhere).
func (s *TrustedDeviceService) RevokeAllForUser(ctx context.Context, userID string) error {
	devices, err := s.Store.TrustedDevices().ListUserTrustedDevices(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.Store.TrustedDevices().RevokeAllUserTrustedDevices(ctx, userID); err != nil {
		return err
	}
	keys := make([]string, 0, len(devices))
	for _, d := range devices {
		keys = append(keys, trustedDeviceCachePrefix+d.ID)
	}
	if len(keys) > 0 {
		_ = s.Cache.Del(ctx, keys...)
	}
	s.Audit.Info("trusted devices revoked", slog.String("user_id", userID))
	return nil
}
