package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope wraps values in backends without native per-key expiry.
type envelope struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix ms, 0 = never
}

func encodeEnvelope(value []byte, exp time.Time) ([]byte, error) {
	env := envelope{Value: value}
	if !exp.IsZero() {
		env.ExpiresAt = exp.UnixMilli()
	}
	return json.Marshal(env)
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode stored entry: %w", err)
	}
	return env, nil
}

func (e envelope) expiry() time.Time {
	if e.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.ExpiresAt)
}
