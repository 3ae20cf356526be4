package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.queuerunner.dev/internal/queue"
)

func TestMessage_AsJSON_Memoized(t *testing.T) {
	m := NewMessage(queue.RawMessage{
		MessageID:     "m1",
		ReceiptHandle: "rh1",
		Body:          `{"id":1}`,
	})

	v1, err1 := m.AsJSON()
	require.NoError(t, err1)
	v2, err2 := m.AsJSON()
	require.NoError(t, err2)

	assert.Equal(t, v1, v2, "repeated AsJSON calls must return the same cached value (spec §8 invariant 5)")
}

func TestMessage_AsJSON_InvalidPayload(t *testing.T) {
	m := NewMessage(queue.RawMessage{
		MessageID:     "m1",
		ReceiptHandle: "rh1",
		Body:          `not json`,
	})

	_, err := m.AsJSON()
	require.Error(t, err)

	var invalid *queue.InvalidPayloadError
	assert.ErrorAs(t, err, &invalid)
}

func TestMessage_TryJSON_DoesNotWrap(t *testing.T) {
	m := NewMessage(queue.RawMessage{Body: `not json`})

	_, err := m.TryJSON()
	require.Error(t, err)

	var invalid *queue.InvalidPayloadError
	assert.False(t, errors.As(err, &invalid), "TryJSON must return the raw parse error, not InvalidPayloadError")
	var syntaxErr *json.SyntaxError
	assert.True(t, errors.As(err, &syntaxErr))
}

func TestBatchResult_MarkFailed(t *testing.T) {
	r := NewBatchResult()
	assert.False(t, r.IsFailed("a"))

	r.MarkFailed("a")
	assert.True(t, r.IsFailed("a"))
	assert.False(t, r.IsFailed("b"))
	assert.Len(t, r.Failed(), 1)
}
