package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is an embedded single-node Store. Conditional writes are
// serialized by an in-process mutex, so only one process may open the path.
type PebbleStore struct {
	db  *pebble.DB
	mu  sync.Mutex // guards read-modify-write sequences
	now Clock
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	return NewPebbleStoreWithClock(path, time.Now)
}

func NewPebbleStoreWithClock(path string, clock Clock) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(16 << 20),
		MemTableSize:                8 << 20,
		MemTableStopWritesThreshold: 2,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db, now: clock}, nil
}

func (s *PebbleStore) load(key string) (envelope, error) {
	raw, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return envelope{}, ErrNotFound
	}
	if err != nil {
		return envelope{}, fmt.Errorf("pebble get %s: %w", key, err)
	}
	// raw is only valid until closer.Close
	env, err := decodeEnvelope(raw)
	closer.Close()
	if err != nil {
		return envelope{}, err
	}
	if expired(env.expiry(), s.now()) {
		return envelope{}, ErrNotFound
	}
	return env, nil
}

func (s *PebbleStore) write(key string, value []byte, ttl time.Duration) error {
	raw, err := encodeEnvelope(value, expiryFrom(s.now(), ttl))
	if err != nil {
		return err
	}
	if err := s.db.Set([]byte(key), raw, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) Get(ctx context.Context, key string) ([]byte, error) {
	env, err := s.load(key)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (s *PebbleStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, value, ttl)
}

func (s *PebbleStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.load(key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err := s.write(key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) DeleteIf(ctx context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := s.load(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(env.Value, value) {
		return false, nil
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return false, fmt.Errorf("pebble delete %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	lower := []byte(prefix)
	if cursor != "" && cursor >= prefix {
		// smallest key strictly after cursor
		lower = append([]byte(cursor), 0x00)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, "", fmt.Errorf("pebble iter %s: %w", prefix, err)
	}
	defer iter.Close()

	now := s.now()
	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(keys) > limit {
			break
		}
		env, err := decodeEnvelope(iter.Value())
		if err != nil {
			return nil, "", err
		}
		if expired(env.expiry(), now) {
			continue
		}
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, "", fmt.Errorf("pebble iter %s: %w", prefix, err)
	}
	return page(keys, limit)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
