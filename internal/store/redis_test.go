package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) harness {
		server, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(server.Close)

		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { client.Close() })

		clock := &fakeClock{now: time.Now()}
		s := NewRedisStore(client, "test:")
		s.now = clock.Now

		return harness{
			store: s,
			advance: func(d time.Duration) {
				clock.Advance(d)
				server.FastForward(d)
			},
		}
	})
}

func TestRedisStore_UsesPrefixAndNativeTTL(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "lg:")
	require.NoError(t, s.Put(context.Background(), "block:abc", []byte("x"), 30*time.Second))

	assert.True(t, server.Exists("lg:block:abc"))
	assert.Equal(t, 30*time.Second, server.TTL("lg:block:abc"))
}

func TestRedisStore_UnavailableBackend(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	defer client.Close()
	s := NewRedisStore(client, "")
	server.Close()

	_, err = s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = s.CompareAndSwap(context.Background(), "k", nil, []byte("v"), time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)
}
