package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSStore is a Store on a JetStream KeyValue bucket. Conditional writes use
// the bucket's per-key revision, so every process sharing the bucket sees one
// winner for PutIfAbsent.
type NATSStore struct {
	kv  nats.KeyValue
	now Clock
}

// NewNATSStore binds to bucket, creating it when it does not exist yet.
func NewNATSStore(js nats.JetStreamContext, bucket string) (*NATSStore, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "attestation receipts, anchor jobs and leases",
			History:     1,
			Storage:     nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return NewNATSStoreFromKV(kv, time.Now), nil
}

func NewNATSStoreFromKV(kv nats.KeyValue, clock Clock) *NATSStore {
	return &NATSStore{kv: kv, now: clock}
}

func isWrongRevision(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

// load returns the live envelope and its revision.
func (s *NATSStore) load(key string) (envelope, uint64, error) {
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
		return envelope{}, 0, ErrNotFound
	}
	if err != nil {
		return envelope{}, 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	env, err := decodeEnvelope(entry.Value())
	if err != nil {
		return envelope{}, 0, err
	}
	if expired(env.expiry(), s.now()) {
		return env, entry.Revision(), ErrNotFound
	}
	return env, entry.Revision(), nil
}

func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env, _, err := s.load(key)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (s *NATSStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeEnvelope(value, expiryFrom(s.now(), ttl))
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(key, raw); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (s *NATSStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	raw, err := encodeEnvelope(value, expiryFrom(s.now(), ttl))
	if err != nil {
		return false, err
	}

	_, rev, err := s.load(key)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, ErrNotFound):
		return false, err
	}

	if rev == 0 {
		_, err = s.kv.Create(key, raw)
	} else {
		// expired entry still stored: replace it only if nobody else did first
		_, err = s.kv.Update(key, raw, rev)
	}
	if isWrongRevision(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv put-if-absent %s: %w", key, err)
	}
	return true, nil
}

func (s *NATSStore) DeleteIf(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	env, rev, err := s.load(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(env.Value, value) {
		return false, nil
	}
	err = s.kv.Delete(key, nats.LastRevision(rev))
	if isWrongRevision(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv delete-if %s: %w", key, err)
	}
	return true, nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (s *NATSStore) List(ctx context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	all, err := s.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("kv keys: %w", err)
	}

	candidates := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) && k > cursor {
			candidates = append(candidates, k)
		}
	}
	sort.Strings(candidates)

	keys := make([]string, 0, len(candidates))
	for _, k := range candidates {
		if limit > 0 && len(keys) > limit {
			break
		}
		if _, _, err := s.load(k); err == nil {
			keys = append(keys, k)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
	}
	return page(keys, limit)
}

func (s *NATSStore) Close() error {
	return nil
}
