package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	iface "DetStreamClient/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("Test auth success", func(t *testing.T) {
		msg := Parse([]byte(`{"status":"success"}`))
		assert.Equal(t, KindAuthAck, msg.Kind)
		assert.True(t, msg.Ack.OK())
		assert.NoError(t, msg.Err)
	})

	t.Run("Test auth rejection keeps message", func(t *testing.T) {
		msg := Parse([]byte(`{"status":"forbidden","message":"bad token"}`))
		assert.Equal(t, KindAuthAck, msg.Kind)
		assert.False(t, msg.Ack.OK())
		assert.Equal(t, "bad token", msg.Ack.Message)
	})

	t.Run("Test non-string status is a failure", func(t *testing.T) {
		msg := Parse([]byte(`{"status":403}`))
		assert.Equal(t, KindAuthAck, msg.Kind)
		assert.False(t, msg.Ack.OK())
	})

	t.Run("Test set_interval", func(t *testing.T) {
		msg := Parse([]byte(`{"type":"set_interval","interval":20}`))
		assert.Equal(t, KindInterval, msg.Kind)
		assert.Equal(t, 20.0, msg.Interval.Interval)
	})

	t.Run("Test set_interval with a string interval is malformed", func(t *testing.T) {
		msg := Parse([]byte(`{"type":"set_interval","interval":"fast"}`))
		assert.Equal(t, KindDetections, msg.Kind)
		assert.Empty(t, msg.Batch)
		assert.True(t, errors.Is(msg.Err, iface.ErrMalformedMessage))
	})

	t.Run("Test other type is unknown", func(t *testing.T) {
		msg := Parse([]byte(`{"type":"ping"}`))
		assert.Equal(t, KindUnknown, msg.Kind)
		assert.NoError(t, msg.Err)
	})

	t.Run("Test detection batch", func(t *testing.T) {
		msg := Parse([]byte(`[[10,10,50,50,0.9,1],[0,0,1,1,0.2,0]]`))
		require.Equal(t, KindDetections, msg.Kind)
		require.Len(t, msg.Batch, 2)
		assert.Equal(t, 0.9, msg.Batch[0].Confidence())
		assert.Equal(t, 1, msg.Batch[0].LabelIndex())
	})

	t.Run("Test empty batch is not an error", func(t *testing.T) {
		msg := Parse([]byte(` [] `))
		assert.Equal(t, KindDetections, msg.Kind)
		assert.NotNil(t, msg.Batch)
		assert.Empty(t, msg.Batch)
		assert.NoError(t, msg.Err)
	})

	t.Run("Test wrong arity is flagged but kept", func(t *testing.T) {
		for _, payload := range []string{`[[10,10,50]]`, `[[1,2,3,4,5,6,7]]`, `[[0,0,1,1,0.5,0],[1,2]]`} {
			msg := Parse([]byte(payload))
			assert.Equal(t, KindDetections, msg.Kind, payload)
			assert.True(t, errors.Is(msg.Err, iface.ErrMalformedMessage), payload)
			require.NotEmpty(t, msg.Batch, payload)
		}
		msg := Parse([]byte(`[[10,10,50]]`))
		require.Len(t, msg.Batch, 1)
		assert.False(t, msg.Batch[0].Valid())
		assert.Equal(t, iface.DetectedState{Label: iface.LabelError, Confidence: 0}, iface.DeriveState(msg.Batch))
	})

	for _, payload := range []string{``, `garbage`, `{"foo":1}`, `[["a",1,2,3,4,5]]`, `{"status":`} {
		t.Run("Test malformed "+payload, func(t *testing.T) {
			msg := Parse([]byte(payload))
			assert.Equal(t, KindDetections, msg.Kind)
			assert.Empty(t, msg.Batch)
			assert.True(t, errors.Is(msg.Err, iface.ErrMalformedMessage))
		})
	}
}

func TestEncode(t *testing.T) {
	t.Run("Test auth message", func(t *testing.T) {
		b, err := EncodeAuth("tok-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"token":"tok-1"}`, string(b))
	})

	t.Run("Test frame event carries bytes", func(t *testing.T) {
		b, err := EncodeFrameEvent([]byte{0xff, 0xd8, 0x00})
		require.NoError(t, err)
		var env FrameEnvelope
		require.NoError(t, json.Unmarshal(b, &env))
		assert.Equal(t, FrameEvent, env.Event)
		assert.Equal(t, []byte{0xff, 0xd8, 0x00}, env.Data)
	})
}
