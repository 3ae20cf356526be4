package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"go.queuerunner.dev/internal/metrics"
	"go.queuerunner.dev/internal/queue"
)

// LeaseState is the per-message state machine spec §4.3 defines:
// LEASED → (extend ok)* → {SETTLED_OK | SETTLED_FAIL | LEASE_LOST | CAPPED}.
type LeaseState int32

const (
	LeaseActive LeaseState = iota
	LeaseSettledOK
	LeaseSettledFail
	LeaseLost
	LeaseCapped
)

func (s LeaseState) String() string {
	switch s {
	case LeaseActive:
		return "active"
	case LeaseSettledOK:
		return "settled_ok"
	case LeaseSettledFail:
		return "settled_fail"
	case LeaseLost:
		return "lease_lost"
	case LeaseCapped:
		return "capped"
	default:
		return "unknown"
	}
}

type lease struct {
	receivedAt time.Time
	deadline   time.Time // next extension deadline
	state      LeaseState
}

// Heartbeat extends the visibility timeout of a set of in-flight messages
// on a schedule while their handler(s) run, capping total extension at
// MaxExtendS per message (spec §4.3). A single Heartbeat instance serves
// either one whole receive batch (batch mode) or one message (per-message
// mode) — the logic is identical either way, only the lease count differs.
type Heartbeat struct {
	client   queue.Client
	queueURL string
	cfg      ListenerConfig

	mu     sync.Mutex
	leases map[string]*lease

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewHeartbeat creates a Heartbeat for queueURL using cfg's visibility
// parameters. Call Track for each message as it is received, then Run in
// its own goroutine, then Resolve each message as its handler finishes.
func NewHeartbeat(client queue.Client, queueURL string, cfg ListenerConfig) *Heartbeat {
	return &Heartbeat{
		client:   client,
		queueURL: queueURL,
		cfg:      cfg,
		leases:   make(map[string]*lease),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Track begins leasing msg, received at t0.
func (h *Heartbeat) Track(msg *Message, t0 time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leases[msg.ReceiptHandle] = &lease{
		receivedAt: t0,
		deadline:   t0.Add(time.Duration(h.cfg.VisibilityS)*time.Second - h.cfg.SafetyMargin()),
		state:      LeaseActive,
	}
}

// State returns the current LeaseState for handle, or LeaseLost if the
// heartbeat has no record of it (conservative: never delete an untracked
// handle).
func (h *Heartbeat) State(handle string) LeaseState {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.leases[handle]
	if !ok {
		return LeaseLost
	}
	return l.state
}

// Resolve is called by the Dispatcher once a handler has decided success
// or failure for handle. It returns the authoritative LeaseState to act
// on: if the heartbeat already marked the lease LeaseLost or LeaseCapped,
// that terminal state wins over the handler's own verdict (spec §4.5
// invariant — no premature delete).
func (h *Heartbeat) Resolve(handle string, success bool) LeaseState {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.leases[handle]
	if !ok {
		return LeaseLost
	}
	if l.state == LeaseLost || l.state == LeaseCapped {
		return l.state
	}
	if success {
		l.state = LeaseSettledOK
	} else {
		l.state = LeaseSettledFail
	}
	delete(h.leases, handle)
	return l.state
}

// activeCount returns the number of leases still in LeaseActive state.
func (h *Heartbeat) activeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, l := range h.leases {
		if l.state == LeaseActive {
			n++
		}
	}
	return n
}

// Stop halts the Run loop; safe to call multiple times and before Run has
// returned.
func (h *Heartbeat) Stop() {
	h.once.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// Run drives the extension schedule until ctx is cancelled, Stop is
// called, or every tracked lease has left LeaseActive. It must run in its
// own goroutine for the lifetime of the batch/message it was built for.
func (h *Heartbeat) Run(ctx context.Context) {
	defer close(h.doneCh)

	for {
		if h.activeCount() == 0 {
			return
		}

		wait := h.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-h.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			h.tick(ctx)
		}
	}
}

// nextWait returns the duration until the earliest active lease's
// extension deadline, floored at a small positive value so the loop never
// busy-spins.
func (h *Heartbeat) nextWait() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	var earliest time.Time
	found := false
	for _, l := range h.leases {
		if l.state != LeaseActive {
			continue
		}
		if !found || l.deadline.Before(earliest) {
			earliest = l.deadline
			found = true
		}
	}
	if !found {
		return 100 * time.Millisecond
	}
	d := time.Until(earliest)
	if d < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	return d
}

// tick extends every due lease, caps any that have exhausted MaxExtendS,
// and retries transient failures with backoff bounded by the time left
// before the lease's current window actually expires.
func (h *Heartbeat) tick(ctx context.Context) {
	now := time.Now()

	h.mu.Lock()
	due := make([]string, 0, len(h.leases))
	for handle, l := range h.leases {
		if l.state != LeaseActive {
			continue
		}
		if now.Sub(l.receivedAt) >= time.Duration(h.cfg.MaxExtendS)*time.Second {
			l.state = LeaseCapped
			metrics.HeartbeatCapped.WithLabelValues(h.queueURL).Inc()
			log.Warn().Str("queue", h.queueURL).Str("receiptHandle", redact(handle)).
				Msg("heartbeat: max_extend_s reached, message will redeliver")
			continue
		}
		if !l.deadline.After(now) {
			due = append(due, handle)
		}
	}
	h.mu.Unlock()

	if len(due) == 0 {
		return
	}

	for chunkStart := 0; chunkStart < len(due); chunkStart += 10 {
		end := chunkStart + 10
		if end > len(due) {
			end = len(due)
		}
		h.extendChunk(ctx, due[chunkStart:end], now)
	}
}

func (h *Heartbeat) extendChunk(ctx context.Context, handles []string, now time.Time) {
	entries := make([]queue.VisibilityEntry, len(handles))
	for i, handle := range handles {
		entries[i] = queue.VisibilityEntry{ReceiptHandle: handle, TimeoutS: h.cfg.VisibilityS}
	}

	// Retries stop once the earliest lease in this chunk would expire.
	expiry := now.Add(h.cfg.SafetyMargin())
	h.mu.Lock()
	for _, handle := range handles {
		if l, ok := h.leases[handle]; ok && l.deadline.Add(h.cfg.SafetyMargin()).Before(expiry) {
			expiry = l.deadline.Add(h.cfg.SafetyMargin())
		}
	}
	h.mu.Unlock()
	retryCtx, cancelRetry := context.WithDeadline(ctx, expiry)
	defer cancelRetry()

	var result *queue.BatchResult
	op := func() error {
		callCtx, cancel := context.WithTimeout(retryCtx, defaultCallTimeout)
		defer cancel()
		res, err := h.client.ChangeVisibilityBatch(callCtx, h.queueURL, entries)
		if err != nil {
			if queue.ClassOf(err).Retryable() {
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, backoff.WithContext(b, retryCtx)); err != nil {
		h.markAll(handles, LeaseLost, err)
		return
	}

	failed := result.FailedSet()
	succeeded := make([]string, 0, len(handles))
	h.mu.Lock()
	for _, handle := range handles {
		if errForHandle, isFailed := failed[handle]; isFailed {
			l, ok := h.leases[handle]
			if !ok {
				continue
			}
			if queue.ClassOf(errForHandle) == queue.ClassInvalidHandle || queue.ClassOf(errForHandle) == queue.ClassNotFound {
				l.state = LeaseLost
				metrics.HeartbeatLeaseLost.WithLabelValues(h.queueURL).Inc()
			} else {
				// Transient at the per-item level after the batch call
				// itself succeeded: treat conservatively as lost so we
				// never hold a delete-eligible message past its window.
				l.state = LeaseLost
				metrics.HeartbeatLeaseLost.WithLabelValues(h.queueURL).Inc()
			}
			continue
		}
		if l, ok := h.leases[handle]; ok && l.state == LeaseActive {
			l.deadline = now.Add(time.Duration(h.cfg.VisibilityS)*time.Second - h.cfg.SafetyMargin())
			succeeded = append(succeeded, handle)
		}
	}
	h.mu.Unlock()

	metrics.HeartbeatExtensions.WithLabelValues(h.queueURL).Add(float64(len(succeeded)))
	if log.Debug().Enabled() {
		log.Debug().Str("queue", h.queueURL).Int("extended", len(succeeded)).Msg("heartbeat: visibility extended")
	}
}

func (h *Heartbeat) markAll(handles []string, state LeaseState, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, handle := range handles {
		if l, ok := h.leases[handle]; ok && l.state == LeaseActive {
			l.state = state
		}
	}
	metrics.HeartbeatLeaseLost.WithLabelValues(h.queueURL).Add(float64(len(handles)))
	log.Warn().Err(cause).Str("queue", h.queueURL).Int("handles", len(handles)).
		Msg("heartbeat: extension exhausted retries, marking lease lost")
}

// redact trims a receipt handle for logging; handles can be several KB.
func redact(handle string) string {
	const max = 24
	if len(handle) <= max {
		return handle
	}
	return handle[:max] + "..."
}
