package jwtx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RemoteKeySet fetches a JWKS from a URL with a bounded timeout and caches
// the result. Fetch failures are cached negatively for a cooldown window so a
// failing key endpoint is not hammered on every verification attempt.
type RemoteKeySet struct {
	URL      string
	Timeout  time.Duration // per-fetch bound, default 5s
	TTL      time.Duration // how long a good fetch stays fresh, default 5m
	Cooldown time.Duration // how long a failure suppresses refetching, default 30s

	Client *http.Client

	mu        sync.Mutex
	keys      *KeySet
	fetchedAt time.Time
	lastErr   error
	lastErrAt time.Time
}

// NewRemoteKeySet returns a RemoteKeySet with sensible defaults applied.
func NewRemoteKeySet(url string, timeout, ttl, cooldown time.Duration) *RemoteKeySet {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &RemoteKeySet{
		URL:      url,
		Timeout:  timeout,
		TTL:      ttl,
		Cooldown: cooldown,
		Client:   &http.Client{Timeout: timeout},
		keys:     NewKeySet(),
	}
}

// Keys returns the cached KeySet, refreshing it when stale. During the
// negative cooldown window the previous error is returned without a network
// round trip.
func (r *RemoteKeySet) Keys(ctx context.Context) (*KeySet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if r.keys.IsReady() && now.Sub(r.fetchedAt) < r.TTL {
		return r.keys, nil
	}
	if r.lastErr != nil && now.Sub(r.lastErrAt) < r.Cooldown {
		if r.keys.IsReady() {
			// Stale keys beat no keys while the endpoint is down.
			return r.keys, nil
		}
		return nil, fmt.Errorf("jwtx: jwks fetch cooling down: %w", r.lastErr)
	}

	if err := r.fetchLocked(ctx); err != nil {
		r.lastErr = err
		r.lastErrAt = now
		if r.keys.IsReady() {
			return r.keys, nil
		}
		return nil, err
	}

	r.lastErr = nil
	r.fetchedAt = now
	return r.keys, nil
}

// RemoteVerifier verifies tokens against a RemoteKeySet. An unknown kid
// forces one refetch before giving up, so a freshly rotated remote key is
// picked up on first sight.
type RemoteVerifier struct {
	Remote   *RemoteKeySet
	Issuer   string
	Audience []string
	Leeway   time.Duration
}

func (v *RemoteVerifier) Verify(token string) (Claims, error) {
	keys, err := v.Remote.Keys(context.Background())
	if err != nil {
		return Claims{}, err
	}

	ksv := &KeySetVerifier{Keys: keys, Issuer: v.Issuer, Audience: v.Audience, Leeway: v.Leeway}
	claims, err := ksv.Verify(token)
	if err == nil || !errors.Is(err, ErrUnknownKID) {
		return claims, err
	}

	v.Remote.mu.Lock()
	v.Remote.fetchedAt = time.Time{} // force refetch
	v.Remote.mu.Unlock()
	keys, ferr := v.Remote.Keys(context.Background())
	if ferr != nil {
		return Claims{}, err
	}
	ksv.Keys = keys
	return ksv.Verify(token)
}

func (r *RemoteKeySet) fetchLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return fmt.Errorf("jwtx: build jwks request: %w", err)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("jwtx: fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwtx: jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("jwtx: decode jwks: %w", err)
	}

	return r.keys.ResetFromJWKS(jwks)
}
