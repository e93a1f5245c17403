// Package events defines the domain events published while receipts move
// through anchoring.
package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Event names, published under the configured subject prefix.
const (
	ReceiptCreated  = "receipt.created"
	ReceiptAnchored = "receipt.anchored"
	AnchorFinal     = "anchor.final"
	AnchorReorged   = "anchor.reorged"
	JobDeadLettered = "anchor.deadletter"
)

// Publisher sends domain events. Publishing is best effort: callers log
// failures and carry on, the durable store is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

// Noop discards every event. Used when NATS is not configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }

// Emit publishes and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, logger logrus.FieldLogger, name string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, name, payload); err != nil {
		logger.WithError(err).WithField("event", name).Warn("⚠️ Failed to publish event")
	}
}

// ReceiptEvent payload of receipt.* events
type ReceiptEvent struct {
	ReceiptID       string `json:"receiptId"`
	Mode            string `json:"mode"`
	InitiatorCommit string `json:"initiatorCommit"`
	FinalCommit     string `json:"finalCommit,omitempty"`
	TxHash          string `json:"txHash,omitempty"`
	Chain           string `json:"chain,omitempty"`
	Root            string `json:"root,omitempty"`
}

// AnchorEvent payload of anchor.final and anchor.reorged
type AnchorEvent struct {
	TxHash        string   `json:"txHash"`
	Chain         string   `json:"chain"`
	Confirmations uint64   `json:"confirmations"`
	ReceiptIDs    []string `json:"receiptIds,omitempty"`
}

// DeadLetterEvent payload of anchor.deadletter
type DeadLetterEvent struct {
	JobID     string `json:"jobId"`
	ReceiptID string `json:"receiptId"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason"`
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Recorded
}

type Recorded struct {
	Name    string
	Payload any
}

func (r *Recorder) Publish(_ context.Context, name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Recorded{Name: name, Payload: payload})
	return nil
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Name
	}
	return out
}
