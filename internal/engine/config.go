package engine

import (
	"fmt"
	"time"
)

// ListenerConfig parameterizes one registered consumer (spec §3). Field
// resolution (explicit > environment variable > default) is performed by
// internal/config.Resolve; this type only validates and exposes derived
// quantities once resolved.
type ListenerConfig struct {
	QueueURL string
	Mode     Mode

	WaitTimeS      int32
	BatchSize      int32
	VisibilityS    int32
	MaxExtendS     int32
	WorkerThreads  int
	IdleSleepMaxS  float64

	// ReleaseFailedImmediately, when true, resets a batch-mode failed
	// handle's visibility to 0 so it is immediately redeliverable instead
	// of waiting out the normal visibility timeout (spec §4.5 step 7 /
	// §9 open question; default false).
	ReleaseFailedImmediately bool
}

// DefaultListenerConfig returns the spec §3 built-in defaults.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Mode:          ModeBatch,
		WaitTimeS:     20,
		BatchSize:     10,
		VisibilityS:   60,
		MaxExtendS:    900,
		WorkerThreads: 4,
		IdleSleepMaxS: 2.0,
	}
}

// Validate enforces the spec §3 invariants.
func (c ListenerConfig) Validate() error {
	if c.QueueURL == "" {
		return fmt.Errorf("queue_url is required")
	}
	if c.BatchSize < 1 || c.BatchSize > 10 {
		return fmt.Errorf("batch_size must be in [1,10], got %d", c.BatchSize)
	}
	if c.WaitTimeS < 0 || c.WaitTimeS > 20 {
		return fmt.Errorf("wait_time_s must be in [0,20], got %d", c.WaitTimeS)
	}
	if c.VisibilityS < c.WaitTimeS+int32(c.SafetyMargin().Seconds()) {
		return fmt.Errorf("visibility_s (%d) must be >= wait_time_s + safety margin (%d + %d)",
			c.VisibilityS, c.WaitTimeS, int32(c.SafetyMargin().Seconds()))
	}
	if c.MaxExtendS < c.VisibilityS {
		return fmt.Errorf("max_extend_s (%d) must be >= visibility_s (%d)", c.MaxExtendS, c.VisibilityS)
	}
	if c.WorkerThreads < 1 {
		return fmt.Errorf("worker_threads must be >= 1, got %d", c.WorkerThreads)
	}
	if c.Mode != ModeBatch && c.Mode != ModePerMessage {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeBatch, ModePerMessage, c.Mode)
	}
	return nil
}

// SafetyMargin is the heartbeat's lead time before visibility expiry:
// max(5s, visibility_s * 0.2) (spec §4.3).
func (c ListenerConfig) SafetyMargin() time.Duration {
	margin := time.Duration(float64(c.VisibilityS)*0.2) * time.Second
	floor := 5 * time.Second
	if margin < floor {
		return floor
	}
	return margin
}

// defaultCallTimeout is the per-call budget spec §5 assigns to every
// queue-service call other than receive: delete_batch,
// change_visibility(_batch), get_queue_attributes.
const defaultCallTimeout = 10 * time.Second

// ReceiveTimeout is receive's own per-call budget: 2x wait_time_s (spec
// §5), floored at defaultCallTimeout so short-polling (wait_time_s: 0)
// still gets a bounded round trip instead of an instantly-expired one.
func (c ListenerConfig) ReceiveTimeout() time.Duration {
	t := 2 * time.Duration(c.WaitTimeS) * time.Second
	if t < defaultCallTimeout {
		return defaultCallTimeout
	}
	return t
}
