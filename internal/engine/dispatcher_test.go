package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.queuerunner.dev/internal/queue"
)

var concurrencyMu sync.Mutex

func incAndMax(active, maxActive *int32) int32 {
	concurrencyMu.Lock()
	defer concurrencyMu.Unlock()
	*active++
	if *active > *maxActive {
		*maxActive = *active
	}
	return *active
}

func decCounter(active *int32) {
	concurrencyMu.Lock()
	defer concurrencyMu.Unlock()
	*active--
}

func batchEntry(cfg ListenerConfig, handler BatchHandlerFunc) ListenerEntry {
	cfg.Mode = ModeBatch
	return ListenerEntry{QueueURL: cfg.QueueURL, Mode: ModeBatch, Config: cfg, BatchHandler: handler}
}

func perMessageEntry(cfg ListenerConfig, handler PerMessageHandlerFunc) ListenerEntry {
	cfg.Mode = ModePerMessage
	return ListenerEntry{QueueURL: cfg.QueueURL, Mode: ModePerMessage, Config: cfg, PerMsgHandler: handler}
}

func TestDispatcher_Batch_HappyPath(t *testing.T) {
	client := newFakeClient()
	entry := batchEntry(testConfig(), func(ctx context.Context, batch []*Message) (*BatchResult, error) {
		return NewBatchResult(), nil
	})
	d := NewDispatcher(client, entry)

	batch := []queue.RawMessage{
		{MessageID: "1", ReceiptHandle: "rh1", Body: `{"id":1}`},
		{MessageID: "2", ReceiptHandle: "rh2", Body: `{"id":2}`},
		{MessageID: "3", ReceiptHandle: "rh3", Body: `{"id":3}`},
	}
	d.Dispatch(context.Background(), batch)

	assert.ElementsMatch(t, []string{"rh1", "rh2", "rh3"}, client.deletedHandles())
}

func TestDispatcher_Batch_PartialFailure(t *testing.T) {
	client := newFakeClient()
	entry := batchEntry(testConfig(), func(ctx context.Context, batch []*Message) (*BatchResult, error) {
		result := NewBatchResult()
		result.MarkFailed("rh2")
		return result, nil
	})
	d := NewDispatcher(client, entry)

	batch := []queue.RawMessage{
		{MessageID: "1", ReceiptHandle: "rh1", Body: `{"id":1}`},
		{MessageID: "2", ReceiptHandle: "rh2", Body: `{"id":2}`},
		{MessageID: "3", ReceiptHandle: "rh3", Body: `{"id":3}`},
	}
	d.Dispatch(context.Background(), batch)

	assert.ElementsMatch(t, []string{"rh1", "rh3"}, client.deletedHandles())
}

func TestDispatcher_Batch_HandlerError_FailsWholeBatch(t *testing.T) {
	client := newFakeClient()
	entry := batchEntry(testConfig(), func(ctx context.Context, batch []*Message) (*BatchResult, error) {
		return nil, assertErr("handler blew up")
	})
	d := NewDispatcher(client, entry)

	batch := []queue.RawMessage{
		{MessageID: "1", ReceiptHandle: "rh1", Body: `{}`},
		{MessageID: "2", ReceiptHandle: "rh2", Body: `{}`},
	}
	d.Dispatch(context.Background(), batch)

	assert.Empty(t, client.deletedHandles(), "a raising batch handler must fail the entire batch")
}

func TestDispatcher_PerMessage_MixedOutcomes(t *testing.T) {
	client := newFakeClient()
	entry := perMessageEntry(testConfig(), func(ctx context.Context, m *Message) (bool, error) {
		return m.MessageID != "2", nil
	})
	d := NewDispatcher(client, entry)

	batch := []queue.RawMessage{
		{MessageID: "1", ReceiptHandle: "rh1", Body: `{}`},
		{MessageID: "2", ReceiptHandle: "rh2", Body: `{}`},
		{MessageID: "3", ReceiptHandle: "rh3", Body: `{}`},
	}
	d.Dispatch(context.Background(), batch)

	assert.ElementsMatch(t, []string{"rh1", "rh3"}, client.deletedHandles())
}

func TestDispatcher_PerMessage_BoundedConcurrency(t *testing.T) {
	client := newFakeClient()
	cfg := testConfig()
	cfg.WorkerThreads = 2

	var active, maxActive int32
	entry := perMessageEntry(cfg, func(ctx context.Context, m *Message) (bool, error) {
		n := incAndMax(&active, &maxActive)
		defer decCounter(&active)
		_ = n
		return true, nil
	})
	d := NewDispatcher(client, entry)

	batch := make([]queue.RawMessage, 0, 6)
	for i := 0; i < 6; i++ {
		batch = append(batch, queue.RawMessage{MessageID: string(rune('a' + i)), ReceiptHandle: string(rune('a' + i)), Body: `{}`})
	}
	d.Dispatch(context.Background(), batch)

	assert.LessOrEqual(t, int(maxActive), cfg.WorkerThreads, "concurrent handler invocations must not exceed worker_threads (spec §8 invariant 4)")
	assert.Len(t, client.deletedHandles(), 6)
}
