package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.queuerunner.dev/internal/queue"
)

func testConfig() ListenerConfig {
	cfg := DefaultListenerConfig()
	cfg.QueueURL = "https://example/queue"
	cfg.VisibilityS = 1 // small so extensions tick quickly in tests
	cfg.MaxExtendS = 3
	return cfg
}

func TestHeartbeat_ExtendsBeforeExpiry(t *testing.T) {
	client := newFakeClient()
	hb := NewHeartbeat(client, "q", testConfig())

	msg := NewMessage(queue.RawMessage{ReceiptHandle: "rh1"})
	hb.Track(msg, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hb.Run(ctx)

	require.Eventually(t, func() bool {
		return client.extendedCount() > 0
	}, 2*time.Second, 10*time.Millisecond, "heartbeat should have extended visibility at least once")

	hb.Stop()
}

func TestHeartbeat_Resolve_TerminalStateWinsOverHandlerSuccess(t *testing.T) {
	client := newFakeClient()
	hb := NewHeartbeat(client, "q", testConfig())

	msg := NewMessage(queue.RawMessage{ReceiptHandle: "rh1"})
	hb.Track(msg, time.Now())

	hb.markAll([]string{"rh1"}, LeaseLost, nil)

	state := hb.Resolve("rh1", true /* handler reports success */)
	assert.Equal(t, LeaseLost, state, "a lease lost by the heartbeat must not be overridden by handler success")
}

func TestHeartbeat_Resolve_HandlerFailure(t *testing.T) {
	client := newFakeClient()
	hb := NewHeartbeat(client, "q", testConfig())

	msg := NewMessage(queue.RawMessage{ReceiptHandle: "rh1"})
	hb.Track(msg, time.Now())

	state := hb.Resolve("rh1", false)
	assert.Equal(t, LeaseSettledFail, state)
}

func TestHeartbeat_Resolve_UnknownHandleIsLost(t *testing.T) {
	client := newFakeClient()
	hb := NewHeartbeat(client, "q", testConfig())

	state := hb.Resolve("never-tracked", true)
	assert.Equal(t, LeaseLost, state, "an untracked handle must never be treated as delete-eligible")
}

func TestHeartbeat_CapsAtMaxExtendS(t *testing.T) {
	client := newFakeClient()
	cfg := testConfig()
	hb := NewHeartbeat(client, "q", cfg)

	// Backdate receivedAt so the lease is already past max_extend_s on the
	// very first tick.
	msg := NewMessage(queue.RawMessage{ReceiptHandle: "rh1"})
	hb.Track(msg, time.Now().Add(-10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hb.Run(ctx)

	require.Eventually(t, func() bool {
		return hb.State("rh1") == LeaseCapped
	}, 2*time.Second, 10*time.Millisecond)

	hb.Stop()
}

func TestHeartbeat_InvalidHandleDuringExtension_MarksLost(t *testing.T) {
	client := newFakeClient()
	client.visBatchErr["rh1"] = queue.Classify(queue.ClassInvalidHandle, assertErr("expired"))

	hb := NewHeartbeat(client, "q", testConfig())
	msg := NewMessage(queue.RawMessage{ReceiptHandle: "rh1"})
	hb.Track(msg, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hb.Run(ctx)

	require.Eventually(t, func() bool {
		return hb.State("rh1") == LeaseLost
	}, 2*time.Second, 10*time.Millisecond)

	hb.Stop()
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(s string) error { return simpleErr(s) }
