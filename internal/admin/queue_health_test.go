package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.queuerunner.dev/internal/queue"
)

type stubClient struct {
	err error
}

func (s *stubClient) Receive(ctx context.Context, in queue.ReceiveInput) ([]queue.RawMessage, error) {
	return nil, nil
}
func (s *stubClient) DeleteBatch(ctx context.Context, queueURL string, h []string) (*queue.BatchResult, error) {
	return &queue.BatchResult{}, nil
}
func (s *stubClient) ChangeVisibility(ctx context.Context, queueURL, h string, t int32) error {
	return nil
}
func (s *stubClient) ChangeVisibilityBatch(ctx context.Context, queueURL string, e []queue.VisibilityEntry) (*queue.BatchResult, error) {
	return &queue.BatchResult{}, nil
}
func (s *stubClient) GetQueueAttributes(ctx context.Context, queueURL string) (map[string]string, error) {
	return map[string]string{}, s.err
}

func TestQueueHealthChecker_HealthyWhenAllQueuesReachable(t *testing.T) {
	checker := NewQueueHealthChecker(&stubClient{}, []string{"q1", "q2"}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go checker.Run(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		healthy, _ := checker.Healthy()
		return healthy
	}, time.Second, 5*time.Millisecond)

	checker.Stop()
}

func TestQueueHealthChecker_UnhealthyWhenQueueUnreachable(t *testing.T) {
	checker := NewQueueHealthChecker(&stubClient{err: errors.New("unreachable")}, []string{"q1"}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go checker.Run(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		healthy, issues := checker.Healthy()
		return !healthy && len(issues) == 1
	}, time.Second, 5*time.Millisecond)

	checker.Stop()
}

func TestServer_Readyz_NotReadyBeforeMarkReady(t *testing.T) {
	s := New(":0")

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Readyz_ReadyAfterMarkReady(t *testing.T) {
	s := New(":0")
	s.MarkReady()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz_UnhealthyQueueOverridesReady(t *testing.T) {
	s := New(":0")
	s.MarkReady()

	checker := NewQueueHealthChecker(&stubClient{err: errors.New("down")}, []string{"q1"}, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx)
	require.Eventually(t, func() bool {
		healthy, _ := checker.Healthy()
		return !healthy
	}, time.Second, 5*time.Millisecond)
	checker.Stop()
	s.AttachHealthChecker(checker)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
