package admin

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"go.queuerunner.dev/internal/queue"
)

// QueueHealthChecker periodically verifies that every registered queue is
// reachable via GetQueueAttributes, independent of whether any Poller has
// actually received from it yet. Adapted from the teacher's
// BrokerHealthService, narrowed from its multi-broker (SQS/NATS/ActiveMQ)
// interface down to the single queue.Client abstraction this runtime
// drives.
type QueueHealthChecker struct {
	mu sync.RWMutex

	client     queue.Client
	queueURLs  []string
	interval   time.Duration
	lastIssues []string

	checks     int64
	successes  int64
	failures   int64
	available  atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewQueueHealthChecker builds a checker for queueURLs, polling every
// interval once Run is started.
func NewQueueHealthChecker(client queue.Client, queueURLs []string, interval time.Duration) *QueueHealthChecker {
	return &QueueHealthChecker{
		client:    client,
		queueURLs: queueURLs,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run polls every registered queue on interval until ctx is cancelled or
// Stop is called. Call in its own goroutine.
func (c *QueueHealthChecker) Run(ctx context.Context) {
	defer close(c.doneCh)

	c.checkAll(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

// Stop halts Run; safe to call multiple times.
func (c *QueueHealthChecker) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *QueueHealthChecker) checkAll(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var issues []string
	for _, url := range c.queueURLs {
		atomic.AddInt64(&c.checks, 1)
		if _, err := c.client.GetQueueAttributes(checkCtx, url); err != nil {
			atomic.AddInt64(&c.failures, 1)
			issues = append(issues, url+": "+err.Error())
			log.Warn().Err(err).Str("queue", url).Msg("queue health check failed")
			continue
		}
		atomic.AddInt64(&c.successes, 1)
	}

	c.mu.Lock()
	c.lastIssues = issues
	c.mu.Unlock()
	c.available.Store(len(issues) == 0)
}

// Healthy reports whether the most recent check round found every queue
// reachable, and the issues (if any) from that round.
func (c *QueueHealthChecker) Healthy() (bool, []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available.Load(), append([]string(nil), c.lastIssues...)
}
