// Package state persists the editable invoice context ahead of an export.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"invoice-export/internal/infra/logging"
)

const keyPrefix = "invoice:state:"

var (
	ErrEmptyClientID = errors.New("state: client id is required")
	ErrInvalidState  = errors.New("state: payload is not valid JSON")
)

// RedisStore upserts state documents keyed by client id.
type RedisStore struct {
	rdb     *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisStore wraps rdb. A ttl of zero keeps entries forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, timeout: 2 * time.Second}
}

// Key returns the Redis key for clientID.
func Key(clientID string) string {
	return keyPrefix + clientID
}

// Save stores state for clientID, replacing any previous value.
func (s *RedisStore) Save(ctx context.Context, clientID string, state json.RawMessage) error {
	if clientID == "" {
		return ErrEmptyClientID
	}
	if !json.Valid(state) {
		return ErrInvalidState
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.rdb.Set(ctx, Key(clientID), []byte(state), s.ttl).Err(); err != nil {
		return fmt.Errorf("state: redis write failed: %w", err)
	}
	logging.Debug("Invoice state saved", "client_id", clientID, "bytes", len(state))
	return nil
}

// Load returns the stored state, or nil when there is none.
func (s *RedisStore) Load(ctx context.Context, clientID string) (json.RawMessage, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	b, err := s.rdb.Get(ctx, Key(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: redis read failed: %w", err)
	}
	return json.RawMessage(b), nil
}
