package services_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/ladderguard/internal/config"
	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/internal/store"
	"github.com/BradenHooton/ladderguard/pkg/logger"
)

// base is aligned to a 60 second boundary
var base = time.Unix(1700000040, 0)

func at(offset time.Duration) models.RequestContext {
	return models.RequestContext{
		IP:        "198.51.100.20",
		UserAgent: "Mozilla/5.0 (test)",
		Now:       base.Add(offset),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryStore() *store.MemoryStore {
	return store.NewMemoryStore()
}

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		MaxLoginAttempts:   5,
		LockoutDuration:    15 * time.Minute,
		SessionTimeout:     30 * time.Minute,
		RotationInterval:   time.Hour,
		CSRFTokenLifetime:  time.Hour,
		CSRFCheckUserAgent: true,
		CSRFFieldName:      "csrf_token",
	}
}

// RecordingSink keeps every emitted event
type RecordingSink struct {
	mu     sync.Mutex
	events []logger.SecurityEvent
}

func (r *RecordingSink) Emit(_ context.Context, event logger.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *RecordingSink) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *RecordingSink) Last() logger.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return logger.SecurityEvent{}
	}
	return r.events[len(r.events)-1]
}

// FailingStore fails every operation with store.ErrUnavailable
type FailingStore struct{}

func (FailingStore) Get(context.Context, string) (*store.Entry, error) {
	return nil, store.ErrUnavailable
}

func (FailingStore) Put(context.Context, string, []byte, time.Duration) error {
	return store.ErrUnavailable
}

func (FailingStore) Delete(context.Context, string) error {
	return store.ErrUnavailable
}

func (FailingStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, store.ErrUnavailable
}

func (FailingStore) Sweep(context.Context) (int64, error) {
	return 0, store.ErrUnavailable
}

// ContendedStore loses every CAS round, as if another writer always won the key
type ContendedStore struct {
	*store.MemoryStore
}

func (ContendedStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, nil
}
