// Package ipc provides the control socket of a running plugin host.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
)

// MessageType identifies the type of IPC message.
type MessageType string

const (
	// MessageTypeStatusRequest requests host status.
	MessageTypeStatusRequest MessageType = "status_request"
	// MessageTypeListRequest requests the loaded plugins.
	MessageTypeListRequest MessageType = "list_request"
	// MessageTypeInvokeRequest invokes a plugin export.
	MessageTypeInvokeRequest MessageType = "invoke_request"
	// MessageTypeReloadRequest reloads a plugin.
	MessageTypeReloadRequest MessageType = "reload_request"
	// MessageTypeUnloadRequest unloads a plugin.
	MessageTypeUnloadRequest MessageType = "unload_request"
	// MessageTypeStopRequest requests host shutdown.
	MessageTypeStopRequest MessageType = "stop_request"

	// MessageTypeStatusResponse contains host status.
	MessageTypeStatusResponse MessageType = "status_response"
	// MessageTypeListResponse contains plugin summaries.
	MessageTypeListResponse MessageType = "list_response"
	// MessageTypeInvokeResponse contains invocation results.
	MessageTypeInvokeResponse MessageType = "invoke_response"
	// MessageTypeReloadResponse contains the reload result.
	MessageTypeReloadResponse MessageType = "reload_response"
	// MessageTypeUnloadResponse contains the unload result.
	MessageTypeUnloadResponse MessageType = "unload_response"
	// MessageTypeStopResponse contains stop result.
	MessageTypeStopResponse MessageType = "stop_response"
	// MessageTypeErrorResponse contains error details.
	MessageTypeErrorResponse MessageType = "error_response"
)

// Message is the envelope for all IPC messages.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, requestID string, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		var err error
		payloadBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	return &Message{
		Type:      msgType,
		RequestID: requestID,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

// StatusResponse is the payload for a status response.
type StatusResponse struct {
	Host    string `json:"host"`
	Version string `json:"version,omitempty"`
	PID     int    `json:"pid"`
	Loaded  int    `json:"loaded"`
	Failed  int    `json:"failed"`
}

// ListResponse is the payload for a list response.
type ListResponse struct {
	Plugins []plugin.Summary `json:"plugins"`
}

// InvokeRequest is the payload for an invoke request. Args are parsed
// according to the export's declared parameter types.
type InvokeRequest struct {
	Plugin         string   `json:"plugin"`
	Export         string   `json:"export"`
	Args           []string `json:"args,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// InvokeResponse is the payload for an invoke response.
type InvokeResponse struct {
	Results json.RawMessage `json:"results"`
	State   plugin.State    `json:"state"`
}

// PluginRequest names the plugin of a reload or unload request.
type PluginRequest struct {
	Plugin string `json:"plugin"`
}

// PluginResponse is the payload for reload and unload responses.
type PluginResponse struct {
	Plugin string `json:"plugin"`
	State  string `json:"state"`
}

// StopRequest is the payload for a stop request.
type StopRequest struct {
	// TimeoutSeconds is the max time to wait for graceful shutdown
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// StopResponse is the payload for a stop response.
type StopResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the payload for an error response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// PluginID and State are set for not_ready errors.
	PluginID string `json:"plugin_id,omitempty"`
	State    string `json:"state,omitempty"`
}

// Common error codes
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeNotReady       = "not_ready"
	ErrorCodeInvokeFailed   = "invoke_failed"
	ErrorCodeInternalError  = "internal_error"
	ErrorCodeTimeout        = "timeout"
)
