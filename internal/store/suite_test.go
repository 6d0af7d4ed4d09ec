package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness pairs a Store with a way to move its notion of time forward
type harness struct {
	store   Store
	advance func(d time.Duration)
}

type counter struct {
	N int `json:"n"`
}

func runStoreSuite(t *testing.T, newHarness func(t *testing.T) harness) {
	ctx := context.Background()

	t.Run("GetAbsent", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PutGetEnvelope", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Put(ctx, "k", []byte("v1"), time.Minute))

		entry, err := h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), entry.Data)
		assert.False(t, entry.Created.IsZero())
		assert.True(t, entry.Expires.After(entry.Created))
	})

	t.Run("PutWithoutTTLNeverExpires", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Put(ctx, "k", []byte("v"), 0))
		h.advance(48 * time.Hour)

		entry, err := h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, entry.Expires.IsZero())
	})

	t.Run("ExpiredIsAbsent", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Put(ctx, "k", []byte("v"), time.Second))
		h.advance(2 * time.Second)

		_, err := h.store.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Put(ctx, "k", []byte("v"), time.Minute))
		require.NoError(t, h.store.Delete(ctx, "k"))
		require.NoError(t, h.store.Delete(ctx, "k"))

		_, err := h.store.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		h := newHarness(t)

		ok, err := h.store.CompareAndSwap(ctx, "k", nil, []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "insert into absent key")

		ok, err = h.store.CompareAndSwap(ctx, "k", nil, []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "insert must fail when key exists")

		ok, err = h.store.CompareAndSwap(ctx, "k", []byte("stale"), []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "swap must fail on mismatched old value")

		ok, err = h.store.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		entry, err := h.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), entry.Data)
	})

	t.Run("CompareAndSwapOverExpired", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Put(ctx, "k", []byte("old"), time.Second))
		h.advance(2 * time.Second)

		ok, err := h.store.CompareAndSwap(ctx, "k", []byte("old"), []byte("new"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "expired value must not match")

		ok, err = h.store.CompareAndSwap(ctx, "k", nil, []byte("new"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "expired key counts as absent")
	})

	t.Run("MutateNoLostUpdates", func(t *testing.T) {
		h := newHarness(t)
		const workers, iterations = 8, 10

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < iterations; i++ {
					for {
						err := MutateJSON(ctx, h.store, "counter", time.Minute, func(c *counter, exists bool) (bool, error) {
							c.N++
							return true, nil
						})
						if errors.Is(err, ErrContention) {
							continue
						}
						assert.NoError(t, err)
						break
					}
				}
			}()
		}
		wg.Wait()

		got, err := GetJSON[counter](ctx, h.store, "counter")
		require.NoError(t, err)
		assert.Equal(t, workers*iterations, got.N)
	})

	t.Run("MutateSkipLeavesKeyUntouched", func(t *testing.T) {
		h := newHarness(t)
		err := MutateJSON(ctx, h.store, "k", time.Minute, func(c *counter, exists bool) (bool, error) {
			return false, nil
		})
		require.NoError(t, err)

		_, err = h.store.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SweepRemovesExpired", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Put(ctx, "short", []byte("v"), time.Second))
		require.NoError(t, h.store.Put(ctx, "long", []byte("v"), time.Hour))
		h.advance(2 * time.Second)

		_, err := h.store.Sweep(ctx)
		require.NoError(t, err)

		_, err = h.store.Get(ctx, "long")
		assert.NoError(t, err)
		_, err = h.store.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
