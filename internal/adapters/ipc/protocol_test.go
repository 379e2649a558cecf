package ipc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
)

func TestNewMessage(t *testing.T) {
	t.Parallel()

	msg, err := NewMessage(MessageTypeInvokeRequest, "req-1", InvokeRequest{
		Plugin: "calc",
		Export: "add",
		Args:   []string{"2", "3"},
	})
	require.NoError(t, err)

	assert.Equal(t, MessageTypeInvokeRequest, msg.Type)
	assert.Equal(t, "req-1", msg.RequestID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.JSONEq(t, `{"plugin":"calc","export":"add","args":["2","3"]}`, string(msg.Payload))
}

func TestNewMessage_NilPayload(t *testing.T) {
	t.Parallel()

	msg, err := NewMessage(MessageTypeStatusRequest, "", nil)
	require.NoError(t, err)
	assert.Nil(t, msg.Payload)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "payload")
	assert.NotContains(t, string(data), "request_id")
}

func TestNewMessage_UnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := NewMessage(MessageTypeInvokeRequest, "x", make(chan int))
	assert.Error(t, err)
}

func TestMessage_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	original, err := NewMessage(MessageTypeListResponse, "req-2", ListResponse{
		Plugins: []plugin.Summary{{ID: "calc", State: plugin.StateReady, EntryPoints: []string{"add"}}},
	})
	require.NoError(t, err)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.RequestID, decoded.RequestID)

	var list ListResponse
	require.NoError(t, json.Unmarshal(decoded.Payload, &list))
	require.Len(t, list.Plugins, 1)
	assert.Equal(t, "calc", list.Plugins[0].ID)
	assert.Equal(t, plugin.StateReady, list.Plugins[0].State)
}

func TestInvokeResponse_JSON(t *testing.T) {
	t.Parallel()

	resp := InvokeResponse{Results: json.RawMessage(`[5]`), State: plugin.StateReady}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[5],"state":"ready"}`, string(data))
}

func TestErrorResponse_JSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(ErrorResponse{Code: ErrorCodeNotReady, Message: "plugin suspended"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"not_ready","message":"plugin suspended"}`, string(data))
}
