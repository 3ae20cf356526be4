// Package engine implements the per-queue consumer core: the Poller,
// Visibility Heartbeat, Dispatcher & Settlement, and Supervisor described
// in the runtime specification.
package engine

import (
	"encoding/json"
	"sync"

	"go.queuerunner.dev/internal/queue"
)

// Attribute mirrors queue.Attribute at the engine layer so callers never
// need to import the queue package just to read a message attribute.
type Attribute = queue.Attribute

// Message is an immutable received queue item. It is confined to the
// worker that owns it between receive and settlement, so the memoized
// JSON view needs no cross-goroutine synchronization beyond sync.Once's
// own guarantees.
type Message struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	Attrs         map[string]Attribute

	jsonOnce sync.Once
	jsonVal  any
	jsonErr  error
}

// NewMessage builds a Message from a wire-level queue.RawMessage.
func NewMessage(raw queue.RawMessage) *Message {
	return &Message{
		MessageID:     raw.MessageID,
		ReceiptHandle: raw.ReceiptHandle,
		Body:          raw.Body,
		Attrs:         raw.Attributes,
	}
}

// Attributes returns the message's attribute map (spec §4.1).
func (m *Message) Attributes() map[string]Attribute {
	return m.Attrs
}

func (m *Message) parse() {
	m.jsonOnce.Do(func() {
		m.jsonErr = json.Unmarshal([]byte(m.Body), &m.jsonVal)
	})
}

// AsJSON returns the parsed structured body, or a *queue.InvalidPayloadError
// wrapping the parse failure. The result is memoized: repeated calls parse
// at most once (spec §8 invariant 5).
func (m *Message) AsJSON() (any, error) {
	m.parse()
	if m.jsonErr != nil {
		return nil, &queue.InvalidPayloadError{Err: m.jsonErr}
	}
	return m.jsonVal, nil
}

// TryJSON returns the parsed structured body and the raw parse error
// without wrapping it, for callers that want to distinguish "no JSON body"
// from "handler should treat this as fatal."
func (m *Message) TryJSON() (any, error) {
	m.parse()
	return m.jsonVal, m.jsonErr
}

// BatchResult is the outcome a batch-mode handler returns: the set of
// receipt handles, among the batch just delivered, that the handler wants
// treated as failed. An empty result means every message succeeded.
type BatchResult struct {
	failed map[string]struct{}
}

// NewBatchResult returns an empty (all-succeeded) BatchResult.
func NewBatchResult() *BatchResult {
	return &BatchResult{failed: make(map[string]struct{})}
}

// MarkFailed records receiptHandle as failed within the batch.
func (r *BatchResult) MarkFailed(receiptHandle string) {
	if r.failed == nil {
		r.failed = make(map[string]struct{})
	}
	r.failed[receiptHandle] = struct{}{}
}

// IsFailed reports whether receiptHandle was marked failed.
func (r *BatchResult) IsFailed(receiptHandle string) bool {
	_, ok := r.failed[receiptHandle]
	return ok
}

// Failed returns the full set of handles marked failed.
func (r *BatchResult) Failed() map[string]struct{} {
	if r.failed == nil {
		return map[string]struct{}{}
	}
	return r.failed
}
