package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrHostNotRunning indicates no host is serving the control socket.
var ErrHostNotRunning = errors.New("plugin host is not running")

// RemoteError is an error response from the host.
type RemoteError struct {
	Code     string
	Message  string
	PluginID string
	State    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsRemoteCode reports whether err is a RemoteError with the given code.
func IsRemoteCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

// Client talks to a running host over its control socket.
type Client struct {
	socketPath string
	lockPath   string
	timeout    time.Duration
}

// ClientConfig contains configuration for the IPC client.
type ClientConfig struct {
	SocketPath string
	LockPath   string
	Timeout    time.Duration
}

// NewClient creates a new IPC client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.SocketPath == "" {
		cfg.SocketPath = SocketPath(".")
	}
	if cfg.LockPath == "" {
		cfg.LockPath = LockPath(filepath.Dir(cfg.SocketPath))
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultInvokeTimeout + 5*time.Second
	}

	return &Client{
		socketPath: cfg.SocketPath,
		lockPath:   cfg.LockPath,
		timeout:    cfg.Timeout,
	}
}

// IsHostRunning checks if a host is serving the socket.
func (c *Client) IsHostRunning() bool {
	if _, err := os.Stat(c.lockPath); err != nil {
		return false
	}
	if _, err := os.Stat(c.socketPath); err != nil {
		return false
	}

	conn, err := net.DialTimeout("unix", c.socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()

	return true
}

// HostPID returns the PID of the running host, or 0 if not running.
func (c *Client) HostPID() int {
	data, err := os.ReadFile(c.lockPath)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}

	return pid
}

// Status requests the host status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(MessageTypeStatusRequest, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List requests the loaded plugins.
func (c *Client) List() (*ListResponse, error) {
	var resp ListResponse
	if err := c.call(MessageTypeListRequest, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Invoke calls a plugin export with textual arguments.
func (c *Client) Invoke(req InvokeRequest) (*InvokeResponse, error) {
	var resp InvokeResponse
	if err := c.call(MessageTypeInvokeRequest, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reload asks the host to reload a plugin.
func (c *Client) Reload(pluginID string) (*PluginResponse, error) {
	var resp PluginResponse
	if err := c.call(MessageTypeReloadRequest, PluginRequest{Plugin: pluginID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unload asks the host to unload a plugin.
func (c *Client) Unload(pluginID string) (*PluginResponse, error) {
	var resp PluginResponse
	if err := c.call(MessageTypeUnloadRequest, PluginRequest{Plugin: pluginID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop asks the host to shut down.
func (c *Client) Stop(timeout time.Duration) (*StopResponse, error) {
	var resp StopResponse
	req := StopRequest{TimeoutSeconds: int(timeout.Seconds())}
	if err := c.call(MessageTypeStopRequest, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// call sends a request and decodes the response payload into out.
func (c *Client) call(msgType MessageType, payload, out interface{}) error {
	if !c.IsHostRunning() {
		return ErrHostNotRunning
	}

	resp, err := c.sendRequest(msgType, payload)
	if err != nil {
		return err
	}

	if resp.Type == MessageTypeErrorResponse {
		var errResp ErrorResponse
		if err := json.Unmarshal(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("failed to parse error response: %w", err)
		}
		return &RemoteError{
			Code:     errResp.Code,
			Message:  errResp.Message,
			PluginID: errResp.PluginID,
			State:    errResp.State,
		}
	}

	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", resp.Type, err)
	}
	return nil
}

func (c *Client) sendRequest(msgType MessageType, payload interface{}) (*Message, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to host: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	msg, err := NewMessage(msgType, uuid.New().String(), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Message
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &resp, nil
}
