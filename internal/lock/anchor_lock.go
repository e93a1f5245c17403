// Package lock provides the lease-based mutual exclusion that keeps two
// invocations from broadcasting an anchor at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"attest-backend/internal/storage"
)

// AnchorLockName is the single lock guarding every anchor broadcast.
const AnchorLockName = "anchor"

var ErrBusy = errors.New("lock: busy")

// Locker hands out leases on named locks.
type Locker interface {
	Acquire(ctx context.Context, name string) (*Lease, error)
}

// LeaseLocker keeps one entry per lock in a Store. The entry expires after
// the lease TTL, so a holder that dies without releasing blocks others only
// until then.
type LeaseLocker struct {
	store  storage.Store
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewLeaseLocker(store storage.Store, prefix string, ttl time.Duration) *LeaseLocker {
	return &LeaseLocker{store: store, prefix: prefix, ttl: ttl, now: time.Now}
}

// Lease is a held lock. Release it on every exit path.
type Lease struct {
	store     storage.Store
	key       string
	token     string
	expiresAt time.Time
}

// Acquire grants the lease or returns ErrBusy while another holder's lease
// is live.
func (l *LeaseLocker) Acquire(ctx context.Context, name string) (*Lease, error) {
	key := l.prefix + name
	token := uuid.New().String()
	ok, err := l.store.PutIfAbsent(ctx, key, []byte(token), l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Lease{store: l.store, key: key, token: token, expiresAt: l.now().Add(l.ttl)}, nil
}

// Release drops the lease if this holder still owns it. Releasing an
// expired or already released lease is a no-op.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	if _, err := le.store.DeleteIf(ctx, le.key, []byte(le.token)); err != nil {
		return fmt.Errorf("release lock %s: %w", le.key, err)
	}
	return nil
}

// Token identifies the holder.
func (le *Lease) Token() string { return le.token }

// ExpiresAt is when other callers may take the lock without a release.
func (le *Lease) ExpiresAt() time.Time { return le.expiresAt }
