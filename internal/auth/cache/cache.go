// Package cache provides the short-lived state the authority needs outside
// the relational store: DPoP jti replay ledger, websocket tickets, pushed
// authorization requests. Two implementations exist: an in-process map for
// single-node deployments and tests, and Redis for anything horizontally
// scaled. Construction is explicit; nothing in here is a package-level
// singleton.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get/Consume when the key is absent or
	// already expired.
	ErrNotFound = errors.New("cache: not found")

	// ErrExists is returned by SetNX when the key already holds a value.
	ErrExists = errors.New("cache: already exists")
)

// Cache is the minimal contract both backends satisfy.
type Cache interface {
	// Set stores value under key for ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// SetNX stores value only if key is absent, returning ErrExists
	// otherwise. This is the primitive behind replay rejection: first
	// writer wins.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) error

	// Consume atomically reads and deletes key, so a value can be redeemed
	// exactly once. Returns ErrNotFound when absent.
	Consume(ctx context.Context, key string) (string, error)

	// Ping reports backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
