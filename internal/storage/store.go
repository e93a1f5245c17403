// Package storage is the key-value layer every durable namespace of the
// service (receipts, anchor jobs, confirmations, lock leases) is kept in.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: key not found")
	ErrClosed   = errors.New("storage: store closed")
)

// Store is a TTL-aware key-value store.
//
// Expired entries behave as absent for every operation. List returns keys
// with the given prefix in lexicographic order, strictly after cursor, and a
// next cursor that is empty once the listing is exhausted.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value; ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent writes value only if key is absent or expired.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// DeleteIf deletes key only while it still holds value.
	DeleteIf(ctx context.Context, key string, value []byte) (bool, error)
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error)
	Close() error
}

// Clock returns the current time. Backends take one so tests can move time.
type Clock func() time.Time

func expiryFrom(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(exp time.Time, now time.Time) bool {
	return !exp.IsZero() && !now.Before(exp)
}

// prefixUpperBound returns the smallest key greater than every key with prefix,
// or nil when no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
