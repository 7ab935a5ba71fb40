// Package redis implements the IdempotencyStore port on Redis so that several
// service instances share one set of creation keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.IdempotencyStore = (*IdempotencyStore)(nil)

const (
	keyPrefix = "impactescrow:idempotency:"

	// DefaultReservationTTL bounds how long an unfinished creation holds its key.
	DefaultReservationTTL = 10 * time.Minute
	// DefaultRetention is how long a completed key replays its escrow.
	DefaultRetention = 30 * 24 * time.Hour
)

// releaseScript deletes a key only while it is still an unbound reservation.
// KEYS[1] = idempotency key
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == "" then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// IdempotencyStore stores reservations as empty strings created with SET NX
// and overwrites them with the escrow ID on completion.
type IdempotencyStore struct {
	client         redis.UniversalClient
	reservationTTL time.Duration
	retention      time.Duration
}

// New returns a store using client.
func New(client redis.UniversalClient) *IdempotencyStore {
	return &IdempotencyStore{
		client:         client,
		reservationTTL: DefaultReservationTTL,
		retention:      DefaultRetention,
	}
}

// NewFromURL parses a redis:// URL, connects and pings the server.
func NewFromURL(ctx context.Context, rawURL string) (*IdempotencyStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return New(client), nil
}

// Reserve claims key for DefaultReservationTTL.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (string, bool, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+key, "", s.reservationTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return "", true, nil
	}

	escrowID, err := s.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired or released between SETNX and GET; let the caller retry.
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return escrowID, false, nil
}

// Complete binds key to escrowID and extends its lifetime to the retention period.
func (s *IdempotencyStore) Complete(ctx context.Context, key, escrowID string) error {
	if err := s.client.Set(ctx, keyPrefix+key, escrowID, s.retention).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release deletes key if it was never bound to an escrow.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{keyPrefix + key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Ping reports whether the server is reachable.
func (s *IdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *IdempotencyStore) Close() error {
	return s.client.Close()
}
