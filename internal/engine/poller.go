package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"go.queuerunner.dev/internal/metrics"
	"go.queuerunner.dev/internal/queue"
)

// Poller repeatedly long-polls one listener's queue and hands each
// non-empty batch to the shared Dispatcher, blocking until it settles
// before polling again (spec §4.4). A listener with worker_threads > 1
// runs that many Pollers concurrently, each an independent long-poll
// loop sharing one Dispatcher and therefore one handler-concurrency
// semaphore in per-message mode.
type Poller struct {
	client     queue.Client
	entry      ListenerEntry
	dispatcher *Dispatcher

	// errBackoff tracks consecutive Transient/Throttled receive failures
	// for this Poller; it resets on any successful receive.
	errBackoff backoff.BackOff
}

// NewPoller builds a Poller for one listener entry, sharing dispatcher
// with every other Poller of the same listener.
func NewPoller(client queue.Client, entry ListenerEntry, dispatcher *Dispatcher) *Poller {
	return &Poller{
		client:     client,
		entry:      entry,
		dispatcher: dispatcher,
		errBackoff: newReceiveBackoff(),
	}
}

// newReceiveBackoff is the Transient/Throttled receive-error schedule:
// base 1s, cap 30s (spec §4.4 step 3), unbounded retries — the listener
// never gives up on its own for a retryable error, only for a
// ListenerFatal classification.
func newReceiveBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Run drives the long-poll loop until ctx is cancelled. It returns nil on
// clean shutdown (ctx cancellation) or the terminating error once a
// ListenerFatal-classified receive error is encountered. The Supervisor
// logs that error and keeps the other Pollers running; it does not change
// RunAll's exit code.
func (p *Poller) Run(ctx context.Context) error {
	cfg := p.entry.Config
	logger := log.With().Str("queue", p.entry.QueueURL).Logger()

	metrics.ActivePollers.WithLabelValues(p.entry.QueueURL).Inc()
	defer metrics.ActivePollers.WithLabelValues(p.entry.QueueURL).Dec()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		recvCtx, cancel := context.WithTimeout(ctx, cfg.ReceiveTimeout())
		batch, err := p.client.Receive(recvCtx, queue.ReceiveInput{
			QueueURL:    p.entry.QueueURL,
			MaxMessages: cfg.BatchSize,
			WaitTimeS:   cfg.WaitTimeS,
			VisibilityS: cfg.VisibilityS,
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			class := queue.ClassOf(err)
			metrics.ReceiveErrors.WithLabelValues(p.entry.QueueURL, class.String()).Inc()

			if class.ListenerFatal() {
				logger.Error().Err(err).Str("class", class.String()).
					Msg("receive failed fatally, listener exiting")
				return err
			}

			wait := p.errBackoff.NextBackOff()
			logger.Warn().Err(err).Str("class", class.String()).Dur("retryIn", wait).
				Msg("receive failed, retrying with backoff")
			if !p.sleep(ctx, wait) {
				return nil
			}
			continue
		}

		p.errBackoff.Reset()

		if len(batch) == 0 {
			metrics.EmptyReceives.WithLabelValues(p.entry.QueueURL).Inc()
			idle := time.Duration(rand.Float64() * cfg.IdleSleepMaxS * float64(time.Second))
			if !p.sleep(ctx, idle) {
				return nil
			}
			continue
		}

		metrics.MessagesReceived.WithLabelValues(p.entry.QueueURL).Add(float64(len(batch)))
		p.dispatcher.Dispatch(ctx, batch)
	}
}

// sleep waits for d or until ctx is cancelled, returning false in the
// latter case so callers can exit their loop immediately.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
