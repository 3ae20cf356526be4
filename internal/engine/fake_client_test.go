package engine

import (
	"context"
	"sync"

	"go.queuerunner.dev/internal/queue"
)

// fakeClient is an in-memory queue.Client test double: no network, no
// AWS SDK, full control over receive contents and per-call errors.
type fakeClient struct {
	mu sync.Mutex

	receiveQueue [][]queue.RawMessage
	receiveErr   []error

	deleted      []string
	deleteErr    error
	visExtended  []queue.VisibilityEntry
	visErr       error
	visBatchErr  map[string]error // receipt handle -> per-item error
	deleteBatchErr map[string]error

	receiveCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		visBatchErr:    make(map[string]error),
		deleteBatchErr: make(map[string]error),
	}
}

// enqueueReceive schedules the next Receive call's return value. When the
// queue of scheduled batches is exhausted, Receive returns an empty batch.
func (f *fakeClient) enqueueReceive(batch []queue.RawMessage, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiveQueue = append(f.receiveQueue, batch)
	f.receiveErr = append(f.receiveErr, err)
}

func (f *fakeClient) Receive(ctx context.Context, in queue.ReceiveInput) ([]queue.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiveCalls++
	if len(f.receiveQueue) == 0 {
		return nil, nil
	}
	batch := f.receiveQueue[0]
	err := f.receiveErr[0]
	f.receiveQueue = f.receiveQueue[1:]
	f.receiveErr = f.receiveErr[1:]
	return batch, err
}

func (f *fakeClient) DeleteBatch(ctx context.Context, queueURL string, receiptHandles []string) (*queue.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	result := &queue.BatchResult{}
	for _, h := range receiptHandles {
		if err, ok := f.deleteBatchErr[h]; ok {
			result.Failed = append(result.Failed, queue.BatchItemError{ReceiptHandle: h, Err: err})
			continue
		}
		f.deleted = append(f.deleted, h)
	}
	return result, nil
}

func (f *fakeClient) ChangeVisibility(ctx context.Context, queueURL, receiptHandle string, newTimeoutS int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visErr != nil {
		return f.visErr
	}
	f.visExtended = append(f.visExtended, queue.VisibilityEntry{ReceiptHandle: receiptHandle, TimeoutS: newTimeoutS})
	return nil
}

func (f *fakeClient) ChangeVisibilityBatch(ctx context.Context, queueURL string, entries []queue.VisibilityEntry) (*queue.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.visErr != nil {
		return nil, f.visErr
	}
	result := &queue.BatchResult{}
	for _, e := range entries {
		if err, ok := f.visBatchErr[e.ReceiptHandle]; ok {
			result.Failed = append(result.Failed, queue.BatchItemError{ReceiptHandle: e.ReceiptHandle, Err: err})
			continue
		}
		f.visExtended = append(f.visExtended, e)
	}
	return result, nil
}

func (f *fakeClient) GetQueueAttributes(ctx context.Context, queueURL string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeClient) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

func (f *fakeClient) extendedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visExtended)
}

var _ queue.Client = (*fakeClient)(nil)
