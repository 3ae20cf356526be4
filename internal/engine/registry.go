package engine

import "context"

// Mode selects the handler-invocation shape for a listener (spec §6.1).
type Mode string

const (
	// ModeBatch delivers the whole receive batch to one handler call.
	ModeBatch Mode = "batch"
	// ModePerMessage delivers one message per handler call, fanned out
	// across a bounded worker pool.
	ModePerMessage Mode = "per_message"
)

// BatchHandlerFunc processes an entire received batch in delivery order
// and reports which receipt handles failed. Returning a non-nil error is
// equivalent to failing every handle in the batch (spec §4.5 step 3).
type BatchHandlerFunc func(ctx context.Context, batch []*Message) (*BatchResult, error)

// PerMessageHandlerFunc processes a single message. true deletes it, false
// or a non-nil error leaves it to redeliver (spec §4.5).
type PerMessageHandlerFunc func(ctx context.Context, msg *Message) (bool, error)

// ListenerEntry is one `{queue, handler, mode, config}` registration
// (spec §6.1).
type ListenerEntry struct {
	QueueURL      string
	Mode          Mode
	Config        ListenerConfig
	BatchHandler  BatchHandlerFunc
	PerMsgHandler PerMessageHandlerFunc
}

// Registry is an explicit, application-built collection of listeners —
// the replacement for the source's import-time decorator registry (spec
// §9). There is no package-level state; RunAll consumes exactly the
// Registry it is given.
type Registry struct {
	entries []ListenerEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddBatch registers a batch-mode listener.
func (r *Registry) AddBatch(queueURL string, cfg ListenerConfig, handler BatchHandlerFunc) *Registry {
	cfg.QueueURL = queueURL
	cfg.Mode = ModeBatch
	r.entries = append(r.entries, ListenerEntry{
		QueueURL:     queueURL,
		Mode:         ModeBatch,
		Config:       cfg,
		BatchHandler: handler,
	})
	return r
}

// AddPerMessage registers a per-message-mode listener.
func (r *Registry) AddPerMessage(queueURL string, cfg ListenerConfig, handler PerMessageHandlerFunc) *Registry {
	cfg.QueueURL = queueURL
	cfg.Mode = ModePerMessage
	r.entries = append(r.entries, ListenerEntry{
		QueueURL:      queueURL,
		Mode:          ModePerMessage,
		Config:        cfg,
		PerMsgHandler: handler,
	})
	return r
}

// Entries returns the registered listeners in registration order.
func (r *Registry) Entries() []ListenerEntry {
	return r.entries
}
