package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.queuerunner.dev/internal/queue"
)

// ExitCode mirrors the process exit codes spec §6.5 assigns to run_all's
// outcome; cmd/runner passes this straight to os.Exit.
type ExitCode int

const (
	ExitClean          ExitCode = 0
	ExitFatalStartup   ExitCode = 1
	ExitGraceExceeded  ExitCode = 2
)

// DefaultGracePeriod is the default time Supervisor waits for in-flight
// Pollers to drain after shutdown is requested (spec §4.6 step 3).
const DefaultGracePeriod = 60 * time.Second

// Supervisor owns the shutdown flag and the set of running Pollers for
// every registered listener, and blocks until they drain or the grace
// period elapses (spec §4.6).
type Supervisor struct {
	client      queue.Client
	registry    *Registry
	gracePeriod time.Duration
	strict      bool
}

// NewSupervisor builds a Supervisor for registry, driven against client.
// strict mirrors the --strict startup flag (spec §6.5): when true,
// RunAll validates every listener's queue is reachable via
// GetQueueAttributes before starting any Poller.
func NewSupervisor(client queue.Client, registry *Registry, strict bool) *Supervisor {
	return &Supervisor{
		client:      client,
		registry:    registry,
		gracePeriod: DefaultGracePeriod,
		strict:      strict,
	}
}

// WithGracePeriod overrides DefaultGracePeriod.
func (s *Supervisor) WithGracePeriod(d time.Duration) *Supervisor {
	s.gracePeriod = d
	return s
}

// RunAll starts worker_threads Pollers per registered listener and blocks
// until ctx is cancelled, then waits up to the grace period for every
// Poller to return before abandoning the rest (spec §4.6). It returns the
// exit code cmd/runner should use (spec §6.5).
func (s *Supervisor) RunAll(ctx context.Context) ExitCode {
	entries := s.registry.Entries()
	if len(entries) == 0 {
		log.Warn().Msg("supervisor: registry has no listeners, exiting immediately")
		return ExitClean
	}

	for _, e := range entries {
		if err := e.Config.Validate(); err != nil {
			log.Error().Err(err).Str("queue", e.QueueURL).Msg("supervisor: invalid listener config")
			return ExitFatalStartup
		}
	}

	if s.strict {
		for _, e := range entries {
			callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
			_, err := s.client.GetQueueAttributes(callCtx, e.QueueURL)
			cancel()
			if err != nil {
				log.Error().Err(err).Str("queue", e.QueueURL).
					Msg("supervisor: queue unreachable at startup (--strict)")
				return ExitFatalStartup
			}
		}
	}

	var wg sync.WaitGroup
	done := make(chan struct{})

	for _, entry := range entries {
		dispatcher := NewDispatcher(s.client, entry)
		for i := 0; i < entry.Config.WorkerThreads; i++ {
			poller := NewPoller(s.client, entry, dispatcher)
			wg.Add(1)
			go func(qurl string) {
				defer wg.Done()
				if err := poller.Run(ctx); err != nil {
					log.Error().Err(err).Str("queue", qurl).Msg("supervisor: poller exited fatally")
				}
			}(entry.QueueURL)
		}
		log.Info().Str("queue", entry.QueueURL).Int("workers", entry.Config.WorkerThreads).
			Str("mode", string(entry.Mode)).Msg("supervisor: listener started")
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	<-ctx.Done()
	log.Info().Msg("supervisor: shutdown requested, draining pollers")

	select {
	case <-done:
		log.Info().Msg("supervisor: all pollers drained cleanly")
		return ExitClean
	case <-time.After(s.gracePeriod):
		log.Warn().Dur("grace", s.gracePeriod).Msg("supervisor: grace period exceeded, abandoning in-flight work")
		return ExitGraceExceeded
	}
}
