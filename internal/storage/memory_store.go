package storage

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     Clock
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(clock Clock) *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: clock}
}

// live returns the entry for key unless it is missing or expired. Caller holds mu.
func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return e, false
	}
	if expired(e.expiresAt, s.now()) {
		delete(s.entries, key)
		return e, false
	}
	return e, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiryFrom(s.now(), ttl)}
	return nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiryFrom(s.now(), ttl)}
	return true, nil
}

func (s *MemoryStore) DeleteIf(ctx context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	e, ok := s.live(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, "", ErrClosed
	}

	var keys []string
	for k := range s.entries {
		if !strings.HasPrefix(k, prefix) || k <= cursor {
			continue
		}
		if _, ok := s.live(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return page(keys, limit)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// page cuts a sorted key list to limit and derives the next cursor.
func page(keys []string, limit int) ([]string, string, error) {
	if limit <= 0 || len(keys) <= limit {
		return keys, "", nil
	}
	keys = keys[:limit]
	return keys, keys[len(keys)-1], nil
}
