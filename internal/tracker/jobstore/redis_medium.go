package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// KV is the subset of a Redis client the medium needs
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisMedium stores the blob as a plain Redis string without expiry;
// retention is enforced by the sweeper, not by key TTL.
type RedisMedium struct {
	kv     KV
	prefix string
}

func NewRedisMedium(kv KV, prefix string) *RedisMedium {
	return &RedisMedium{kv: kv, prefix: prefix}
}

func (m *RedisMedium) Load(ctx context.Context, key string) ([]byte, error) {
	blob, err := m.kv.Get(ctx, m.prefix+key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return []byte(blob), nil
}

func (m *RedisMedium) Save(ctx context.Context, key string, blob []byte) error {
	if err := m.kv.Set(ctx, m.prefix+key, string(blob), 0); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (m *RedisMedium) Clear(ctx context.Context, key string) error {
	if err := m.kv.Del(ctx, m.prefix+key); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}
