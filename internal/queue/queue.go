// Package queue defines the narrow abstraction the consumer engine drives
// against a remote, SQS-compatible message queue service.
package queue

import "context"

// Attribute is a single SQS-style message attribute: a typed value keyed by
// name (e.g. "SentTimestamp" -> {DataType: "Number", StringValue: "..."}).
type Attribute struct {
	DataType    string
	StringValue string
}

// RawMessage is the wire-level message returned by Receive, before the
// engine wraps it in its own immutable Message value.
type RawMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	Attributes    map[string]Attribute
}

// ReceiveInput parameterizes a single long-poll receive call.
type ReceiveInput struct {
	QueueURL    string
	MaxMessages int32 // 1-10
	WaitTimeS   int32 // 0-20
	VisibilityS int32
}

// VisibilityEntry pairs a receipt handle with the new timeout to apply in a
// ChangeVisibilityBatch call.
type VisibilityEntry struct {
	ReceiptHandle string
	TimeoutS      int32
}

// BatchItemError reports the per-handle outcome of a batched delete or
// visibility-change call.
type BatchItemError struct {
	ReceiptHandle string
	Err           error
}

// BatchResult is the per-handle outcome of a DeleteBatch or
// ChangeVisibilityBatch call: handles not listed in Failed succeeded.
type BatchResult struct {
	Failed []BatchItemError
}

// FailedSet returns the set of receipt handles that failed, for quick
// membership tests.
func (r *BatchResult) FailedSet() map[string]error {
	out := make(map[string]error, len(r.Failed))
	for _, f := range r.Failed {
		out[f.ReceiptHandle] = f.Err
	}
	return out
}

// Client is the minimal surface the engine depends on (spec §4.2). A test
// double need only implement these five operations; production code is
// backed by sqs.Client (internal/queue/sqs).
type Client interface {
	// Receive long-polls up to in.WaitTimeS for up to in.MaxMessages
	// messages. It may return zero messages with a nil error.
	Receive(ctx context.Context, in ReceiveInput) ([]RawMessage, error)

	// DeleteBatch deletes up to 10 receipt handles in one call.
	DeleteBatch(ctx context.Context, queueURL string, receiptHandles []string) (*BatchResult, error)

	// ChangeVisibility sets a single message's remaining visibility
	// timeout, counted from now (not cumulative).
	ChangeVisibility(ctx context.Context, queueURL, receiptHandle string, newTimeoutS int32) error

	// ChangeVisibilityBatch is the batched form of ChangeVisibility, up to
	// 10 entries per call.
	ChangeVisibilityBatch(ctx context.Context, queueURL string, entries []VisibilityEntry) (*BatchResult, error)

	// GetQueueAttributes returns the queue service's attribute map for
	// queueURL. The Supervisor calls it for its --strict startup
	// reachability check and the admin health checker polls it; the
	// returned map is not logged.
	GetQueueAttributes(ctx context.Context, queueURL string) (map[string]string, error)
}
