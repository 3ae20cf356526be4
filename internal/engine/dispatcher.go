package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.queuerunner.dev/internal/metrics"
	"go.queuerunner.dev/internal/queue"
)

// Dispatcher invokes the registered handler for a received batch and
// settles every message in it: deletes succeed, everything else is left
// to redeliver (spec §4.5). One Dispatcher is shared by every Poller of a
// listener so the per-message worker pool and its concurrency semaphore
// are sized once, per worker_threads, for the whole listener.
type Dispatcher struct {
	client queue.Client
	entry  ListenerEntry

	// sem bounds concurrent handler invocations in per-message mode to
	// worker_threads (spec §8 invariant 4); unused in batch mode, where
	// each Poller's batch call is itself synchronous.
	sem chan struct{}
}

// NewDispatcher builds the Dispatcher for one listener entry.
func NewDispatcher(client queue.Client, entry ListenerEntry) *Dispatcher {
	return &Dispatcher{
		client: client,
		entry:  entry,
		sem:    make(chan struct{}, entry.Config.WorkerThreads),
	}
}

// Dispatch processes one received batch to completion (all messages
// settled, one way or another) before returning, as the Poller blocks on
// it (spec §4.4 step 4).
func (d *Dispatcher) Dispatch(ctx context.Context, batch []queue.RawMessage) {
	cid := uuid.NewString()
	logger := log.With().Str("queue", d.entry.QueueURL).Str("cycle", cid).Logger()

	msgs := make([]*Message, len(batch))
	for i, raw := range batch {
		msgs[i] = NewMessage(raw)
	}

	switch d.entry.Mode {
	case ModeBatch:
		d.dispatchBatch(ctx, msgs, logger)
	case ModePerMessage:
		d.dispatchPerMessage(ctx, msgs, logger)
	}
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, msgs []*Message, logger zerolog.Logger) {
	if len(msgs) == 0 {
		return
	}

	cfg := d.entry.Config
	now := time.Now()

	hb := NewHeartbeat(d.client, d.entry.QueueURL, cfg)
	for _, m := range msgs {
		hb.Track(m, now)
	}
	hbCtx, hbCancel := context.WithCancel(ctx)
	go hb.Run(hbCtx)

	metrics.DispatcherActiveWorkers.WithLabelValues(d.entry.QueueURL).Inc()
	start := time.Now()
	result, err := d.entry.BatchHandler(ctx, msgs)
	metrics.HandlerDuration.WithLabelValues(d.entry.QueueURL, string(ModeBatch)).Observe(time.Since(start).Seconds())
	metrics.DispatcherActiveWorkers.WithLabelValues(d.entry.QueueURL).Dec()

	known := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		known[m.ReceiptHandle] = struct{}{}
	}

	handlerFailed := make(map[string]struct{})
	if err != nil {
		logger.Error().Err(err).Msg("batch handler raised; failing entire batch")
		for _, m := range msgs {
			handlerFailed[m.ReceiptHandle] = struct{}{}
		}
	} else if result != nil {
		for h := range result.Failed() {
			if _, ok := known[h]; !ok {
				logger.Warn().Str("receiptHandle", redact(h)).
					Msg("batch handler reported a handle outside the delivered batch; ignoring")
				continue
			}
			handlerFailed[h] = struct{}{}
		}
	}

	hbCancel()
	hb.Stop()

	var toDelete []string
	var toReleaseImmediately []string
	for _, m := range msgs {
		_, failedByHandler := handlerFailed[m.ReceiptHandle]
		state := hb.Resolve(m.ReceiptHandle, !failedByHandler)
		switch {
		case failedByHandler:
			metrics.MessagesFailed.WithLabelValues(d.entry.QueueURL, "handler_failed").Inc()
			if cfg.ReleaseFailedImmediately {
				toReleaseImmediately = append(toReleaseImmediately, m.ReceiptHandle)
			}
		case state == LeaseLost:
			metrics.MessagesFailed.WithLabelValues(d.entry.QueueURL, "lease_lost").Inc()
		case state == LeaseCapped:
			metrics.MessagesFailed.WithLabelValues(d.entry.QueueURL, "capped").Inc()
		case state == LeaseSettledOK:
			toDelete = append(toDelete, m.ReceiptHandle)
		default:
			// Handler succeeded but the heartbeat hadn't recorded a
			// terminal state yet (e.g. resolved mid-tick); treat as lost
			// rather than risk a premature delete.
			metrics.MessagesFailed.WithLabelValues(d.entry.QueueURL, "lease_lost").Inc()
		}
	}

	d.deleteWithRetry(ctx, toDelete, logger)
	if len(toReleaseImmediately) > 0 {
		d.releaseImmediately(ctx, toReleaseImmediately, logger)
	}
}

func (d *Dispatcher) dispatchPerMessage(ctx context.Context, msgs []*Message, logger zerolog.Logger) {
	if len(msgs) == 0 {
		return
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var toDelete []string

submit:
	for _, m := range msgs {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			// Stop submitting new work, but every goroutine already
			// launched below still has to run to completion and get a
			// chance at delete_batch — the Supervisor's grace period
			// exists precisely so these finish (spec §4.6 step 3).
			break submit
		}

		wg.Add(1)
		go func(msg *Message) {
			defer wg.Done()
			defer func() { <-d.sem }()

			ok := d.processOne(ctx, msg, logger)
			if ok {
				mu.Lock()
				toDelete = append(toDelete, msg.ReceiptHandle)
				mu.Unlock()
			}
		}(m)
	}

	wg.Wait()
	d.deleteWithRetry(ctx, toDelete, logger)
}

// processOne runs the per-message heartbeat + handler lifecycle for a
// single message and returns whether it is eligible for delete.
func (d *Dispatcher) processOne(ctx context.Context, msg *Message, logger zerolog.Logger) bool {
	cfg := d.entry.Config
	now := time.Now()

	hb := NewHeartbeat(d.client, d.entry.QueueURL, cfg)
	hb.Track(msg, now)
	hbCtx, hbCancel := context.WithCancel(ctx)
	go hb.Run(hbCtx)

	metrics.DispatcherActiveWorkers.WithLabelValues(d.entry.QueueURL).Inc()
	start := time.Now()
	success, err := d.entry.PerMsgHandler(ctx, msg)
	metrics.HandlerDuration.WithLabelValues(d.entry.QueueURL, string(ModePerMessage)).Observe(time.Since(start).Seconds())
	metrics.DispatcherActiveWorkers.WithLabelValues(d.entry.QueueURL).Dec()

	if err != nil {
		logger.Error().Err(err).Str("messageId", msg.MessageID).Msg("per-message handler raised")
		success = false
	}

	hbCancel()
	hb.Stop()

	state := hb.Resolve(msg.ReceiptHandle, success)
	switch {
	case !success:
		metrics.MessagesFailed.WithLabelValues(d.entry.QueueURL, "handler_failed").Inc()
		return false
	case state == LeaseLost:
		metrics.MessagesFailed.WithLabelValues(d.entry.QueueURL, "lease_lost").Inc()
		return false
	case state == LeaseCapped:
		metrics.MessagesFailed.WithLabelValues(d.entry.QueueURL, "capped").Inc()
		return false
	case state == LeaseSettledOK:
		return true
	default:
		metrics.MessagesFailed.WithLabelValues(d.entry.QueueURL, "lease_lost").Inc()
		return false
	}
}

// deleteWithRetry deletes handles in chunks of 10, retrying a DeleteBatch
// call whose error is retryable (Transient or Throttled) up to 3 times.
// Per-handle failures reported in a successful response are logged and
// not retried.
func (d *Dispatcher) deleteWithRetry(ctx context.Context, handles []string, logger zerolog.Logger) {
	for start := 0; start < len(handles); start += 10 {
		end := start + 10
		if end > len(handles) {
			end = len(handles)
		}
		chunk := handles[start:end]

		var result *queue.BatchResult
		op := func() error {
			callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
			defer cancel()
			res, err := d.client.DeleteBatch(callCtx, d.entry.QueueURL, chunk)
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
		if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
			logger.Error().Err(err).Int("handles", len(chunk)).Msg("delete_batch failed after retries")
			continue
		}

		metrics.MessagesDeleted.WithLabelValues(d.entry.QueueURL).Add(float64(len(chunk) - len(result.Failed)))
		for _, f := range result.Failed {
			if queue.ClassOf(f.Err) == queue.ClassInvalidHandle {
				logger.Warn().Str("receiptHandle", redact(f.ReceiptHandle)).Msg("delete failed: invalid handle, redelivery will occur")
				continue
			}
			logger.Error().Err(f.Err).Str("receiptHandle", redact(f.ReceiptHandle)).Msg("delete failed")
		}
	}
}

// releaseImmediately resets a failed handle's visibility to 0 so it is
// immediately redeliverable, when ReleaseFailedImmediately is configured
// (spec §9 open question; default is to let visibility expire naturally).
func (d *Dispatcher) releaseImmediately(ctx context.Context, handles []string, logger zerolog.Logger) {
	entries := make([]queue.VisibilityEntry, len(handles))
	for i, h := range handles {
		entries[i] = queue.VisibilityEntry{ReceiptHandle: h, TimeoutS: 0}
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	if _, err := d.client.ChangeVisibilityBatch(callCtx, d.entry.QueueURL, entries); err != nil {
		logger.Warn().Err(err).Msg("failed to release failed handles immediately; they will redeliver on normal expiry")
	}
}
