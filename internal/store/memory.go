package store

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It gives true CAS semantics only
// within one process; multi-worker deployments use the Redis or PostgreSQL
// backend instead.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for expiry decisions
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// getLocked returns the live entry for key. Caller must hold s.mu.
func (s *MemoryStore) getLocked(key string) *Entry {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if entry.Expired(s.now()) {
		delete(s.entries, key)
		return nil
	}
	return entry
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.getLocked(key)
	if entry == nil {
		return nil, ErrNotFound
	}
	out := *entry
	out.Data = bytes.Clone(entry.Data)
	return &out, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[key] = &Entry{
		Data:    bytes.Clone(data),
		Created: now,
		Expires: expiry(now, ttl),
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.getLocked(key)
	switch {
	case old == nil && current != nil:
		return false, nil
	case old != nil && (current == nil || !bytes.Equal(current.Data, old)):
		return false, nil
	}

	now := s.now()
	created := now
	if current != nil {
		created = current.Created
	}
	s.entries[key] = &Entry{
		Data:    bytes.Clone(next),
		Created: created,
		Expires: expiry(now, ttl),
	}
	return true, nil
}

func (s *MemoryStore) Sweep(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int64
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired ones included
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
