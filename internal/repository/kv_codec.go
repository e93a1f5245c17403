package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"attest-backend/internal/storage"
)

// ErrNotFound is returned when a record is missing or expired.
var ErrNotFound = storage.ErrNotFound

func getJSON(ctx context.Context, s storage.Store, key string, out any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func putJSON(ctx context.Context, s storage.Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, raw, ttl)
}

// listIDs lists one page of a namespace and strips the prefix from each key.
func listIDs(ctx context.Context, s storage.Store, prefix, cursor string, limit int) ([]string, string, error) {
	var keyCursor string
	if cursor != "" {
		keyCursor = prefix + cursor
	}
	keys, next, err := s.List(ctx, prefix, keyCursor, limit)
	if err != nil {
		return nil, "", err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, prefix)
	}
	return ids, strings.TrimPrefix(next, prefix), nil
}
