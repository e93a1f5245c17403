// Package commitment derives the domain-separated hashes that bind the
// parties of an attestation to their payloads.
package commitment

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// Namespace and version embedded in every domain prefix.
	Namespace = "attest-backend"
	Version   = "v1"

	LabelAttest  = "attest"
	LabelCounter = "counter"
	LabelFinal   = "final"
	LabelLeaf    = "leaf"
	LabelNode    = "node"
)

var ErrInvalidHex = errors.New("commitment: invalid hex")

// Canonicalize serializes payload as JSON with object keys sorted at every
// depth. Array order is preserved and numbers keep their literal form.
// A []byte or json.RawMessage payload is treated as already-encoded JSON.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode payload: trailing data")
	}

	// maps marshal with sorted keys
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DomainPrefix returns the prefix mixed into every hash computed for label.
func DomainPrefix(label string) []byte {
	return []byte(Namespace + "/" + Version + "/" + label + "\x00")
}

// LabeledHash returns hex(SHA-256(DomainPrefix(label) || data)).
func LabeledHash(label string, data []byte) string {
	h := sha256.New()
	h.Write(DomainPrefix(label))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CommitInitiator computes I over the initiator's payload.
func CommitInitiator(payload any) (string, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return LabeledHash(LabelAttest, canon), nil
}

// CounterPayload is what the counterparty commits to. It embeds I so a
// counter commitment can never be replayed against another attestation.
type CounterPayload struct {
	InitiatorCommit string `json:"initiatorCommit"`
	Counterparty    string `json:"counterparty"`
	Terms           any    `json:"terms"`
}

// CommitCounter computes C over the counterparty payload.
func CommitCounter(p CounterPayload) (string, error) {
	if p.InitiatorCommit == "" {
		return "", errors.New("commitment: counter payload missing initiator commit")
	}
	if p.Counterparty == "" {
		return "", errors.New("commitment: counter payload missing counterparty")
	}
	canon, err := Canonicalize(p)
	if err != nil {
		return "", err
	}
	return LabeledHash(LabelCounter, canon), nil
}

// CommitFinal computes FINAL over the raw bytes of I followed by C.
func CommitFinal(initiator, counter string) (string, error) {
	i, err := decodeHex(initiator)
	if err != nil {
		return "", err
	}
	c, err := decodeHex(counter)
	if err != nil {
		return "", err
	}
	data := make([]byte, 0, len(i)+len(c))
	data = append(data, i...)
	data = append(data, c...)
	return LabeledHash(LabelFinal, data), nil
}

// LeafInput is the receipt data a Merkle leaf is derived from.
type LeafInput struct {
	ReceiptID       string `json:"receiptId"`
	InitiatorCommit string `json:"initiatorCommit"`
	CounterCommit   string `json:"counterCommit"`
	ReceivedAt      int64  `json:"receivedAt"`
}

// LeafHash derives the Merkle leaf for one receipt.
func LeafHash(in LeafInput) (string, error) {
	canon, err := Canonicalize(in)
	if err != nil {
		return "", err
	}
	return LabeledHash(LabelLeaf, canon), nil
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHex, s)
	}
	return b, nil
}
