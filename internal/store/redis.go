package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps envelopes as JSON strings under a key prefix. Key TTLs
// are delegated to Redis; CompareAndSwap uses WATCH/MULTI so a concurrent
// writer aborts the transaction instead of being overwritten.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client. prefix namespaces every key.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// NewRedisClient creates a go-redis client and verifies connectivity
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) decode(raw []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrUnavailable, err)
	}
	return &entry, nil
}

func (s *RedisStore) encode(data []byte, created time.Time, ttl time.Duration) ([]byte, error) {
	return json.Marshal(&Entry{
		Data:    data,
		Created: created,
		Expires: expiry(s.now(), ttl),
	})
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}

	entry, err := s.decode(raw)
	if err != nil {
		return nil, err
	}
	// Redis TTLs and envelope expiry can disagree under clock skew; the envelope wins.
	if entry.Expired(s.now()) {
		_ = s.client.Del(ctx, s.key(key)).Err()
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	raw, err := s.encode(data, s.now(), ttl)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), raw, redisTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("%w: set: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	k := s.key(key)
	swapped := false

	txf := func(tx *redis.Tx) error {
		created := s.now()

		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if old != nil {
				return nil
			}
		case err != nil:
			return err
		default:
			current, err := s.decode(raw)
			if err != nil {
				return err
			}
			live := !current.Expired(s.now())
			if old == nil && live {
				return nil
			}
			if old != nil && (!live || !bytes.Equal(current.Data, old)) {
				return nil
			}
			if live {
				created = current.Created
			}
		}

		encoded, err := s.encode(next, created, ttl)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, encoded, redisTTL(ttl))
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}

	err := s.client.Watch(ctx, txf, k)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return false, err
		}
		return false, fmt.Errorf("%w: cas: %v", ErrUnavailable, err)
	}
	return swapped, nil
}

// Sweep is a no-op: Redis evicts expired keys itself
func (s *RedisStore) Sweep(ctx context.Context) (int64, error) {
	return 0, nil
}

// HealthCheck pings the server
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func redisTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}
