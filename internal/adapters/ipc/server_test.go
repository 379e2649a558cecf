package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/adapters/logging"
	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
	"github.com/felixgeelhaar/pluginhost/internal/testutil/mocks"
)

var socketSeq atomic.Int64

// tempSocket returns short socket and lock paths under /tmp; unix socket
// paths are limited to about 104 bytes on macOS.
func tempSocket(t *testing.T) (string, string) {
	t.Helper()

	n := socketSeq.Add(1)
	socketPath := fmt.Sprintf("/tmp/ph-%d-%d.sock", os.Getpid(), n)
	lockPath := fmt.Sprintf("/tmp/ph-%d-%d.lock", os.Getpid(), n)
	t.Cleanup(func() {
		_ = os.Remove(socketPath)
		_ = os.Remove(lockPath)
	})
	return socketPath, lockPath
}

func calcProvider() *mocks.Provider {
	p := mocks.NewProvider(map[string]provider.Signature{
		"add": {
			Params:  []provider.ValueType{provider.TypeI32, provider.TypeI32},
			Results: []provider.ValueType{provider.TypeI32},
		},
		"spin": {},
	})
	p.SetInvokeFunc(func(_ context.Context, req mocks.InvokeRequest) ([]provider.Value, error) {
		if req.Export == "spin" {
			return nil, provider.NewInvokeError(provider.KindResourceExhausted, "spin", errors.New("step budget exhausted"))
		}
		a, _ := req.Args[0].AsI32()
		b, _ := req.Args[1].AsI32()
		return []provider.Value{provider.I32(a + b)}, nil
	})
	return p
}

type testHost struct {
	server  *Server
	manager *plugin.Manager
	client  *Client
	stops   atomic.Int32
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()

	socketPath, lockPath := tempSocket(t)
	m := plugin.NewManager(calcProvider(), plugin.WithLogger(logging.NewMemoryLogger()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	_, err := m.LoadPlugin(context.Background(), plugin.Bundle{
		Manifest: &plugin.Manifest{
			ID:          "calc",
			Version:     "1.0.0",
			EntryPoints: []plugin.EntryPoint{{Name: "add"}, {Name: "spin"}},
		},
		Module: []byte("calc"),
		Source: "test",
	})
	require.NoError(t, err)

	h := &testHost{manager: m}
	h.server = NewServer(ServerConfig{
		SocketPath: socketPath,
		LockPath:   lockPath,
		Host:       "test-host",
		Version:    "1.0.0-test",
		Logger:     logging.NewMemoryLogger(),
		OnStop: func(context.Context) error {
			h.stops.Add(1)
			return nil
		},
	}, m)
	require.NoError(t, h.server.Start())
	t.Cleanup(func() { _ = h.server.Stop() })

	h.client = NewClient(ClientConfig{SocketPath: socketPath, LockPath: lockPath, Timeout: 5 * time.Second})
	return h
}

// roundTrip sends one raw message and decodes the reply.
func roundTrip(t *testing.T, socketPath string, msg *Message) *Message {
	t.Helper()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, json.NewEncoder(conn).Encode(msg))

	var resp Message
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	return &resp
}

func decodeError(t *testing.T, msg *Message) ErrorResponse {
	t.Helper()

	require.Equal(t, MessageTypeErrorResponse, msg.Type)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &e))
	return e
}

func TestNewServer_Defaults(t *testing.T) {
	t.Parallel()

	s := NewServer(ServerConfig{}, nil)
	assert.Equal(t, SocketPath("."), s.SocketPath())
	assert.Equal(t, LockPath("."), s.lockPath)

	s = NewServer(ServerConfig{SocketPath: "/run/ph/pluginhost.sock"}, nil)
	assert.Equal(t, "/run/ph/pluginhost.lock", s.lockPath)
}

func TestSocketAndLockPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/data/pluginhost.sock", SocketPath("/data"))
	assert.Equal(t, "/data/pluginhost.lock", LockPath("/data"))
}

func TestServer_StartStop(t *testing.T) {
	t.Parallel()

	socketPath, lockPath := tempSocket(t)
	s := NewServer(ServerConfig{SocketPath: socketPath, LockPath: lockPath}, nil)
	require.NoError(t, s.Start())

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))

	require.NoError(t, s.Stop())
	assert.NoFileExists(t, socketPath)
	assert.NoFileExists(t, lockPath)

	require.NoError(t, s.Stop())
	assert.Error(t, s.Start())
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	msg, err := NewMessage(MessageTypeStatusRequest, "s-1", nil)
	require.NoError(t, err)

	resp := roundTrip(t, h.server.SocketPath(), msg)
	require.Equal(t, MessageTypeStatusResponse, resp.Type)
	assert.Equal(t, "s-1", resp.RequestID)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &status))
	assert.Equal(t, "test-host", status.Host)
	assert.Equal(t, "1.0.0-test", status.Version)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, 1, status.Loaded)
	assert.Zero(t, status.Failed)
}

func TestServer_Invoke(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	msg, err := NewMessage(MessageTypeInvokeRequest, "i-1", InvokeRequest{
		Plugin: "calc", Export: "add", Args: []string{"2", "0x3"},
	})
	require.NoError(t, err)

	resp := roundTrip(t, h.server.SocketPath(), msg)
	require.Equal(t, MessageTypeInvokeResponse, resp.Type)

	var out InvokeResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &out))
	assert.JSONEq(t, `[5]`, string(out.Results))
	assert.Equal(t, plugin.StateReady, out.State)
}

func TestServer_InvokeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  InvokeRequest
		code string
	}{
		{"missing export", InvokeRequest{Plugin: "calc"}, ErrorCodeInvalidRequest},
		{"unknown plugin", InvokeRequest{Plugin: "nope", Export: "add"}, ErrorCodeNotFound},
		{"bad argument", InvokeRequest{Plugin: "calc", Export: "add", Args: []string{"2", "x"}}, ErrorCodeInvalidRequest},
		{"argument count", InvokeRequest{Plugin: "calc", Export: "add", Args: []string{"2"}}, ErrorCodeInvalidRequest},
		{"undeclared export", InvokeRequest{Plugin: "calc", Export: "hidden"}, ErrorCodeInvokeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newTestHost(t)
			msg, err := NewMessage(MessageTypeInvokeRequest, "e", tt.req)
			require.NoError(t, err)

			e := decodeError(t, roundTrip(t, h.server.SocketPath(), msg))
			assert.Equal(t, tt.code, e.Code, e.Message)
		})
	}
}

func TestServer_InvokeSuspendsThenNotReady(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	spin, err := NewMessage(MessageTypeInvokeRequest, "1", InvokeRequest{Plugin: "calc", Export: "spin"})
	require.NoError(t, err)

	e := decodeError(t, roundTrip(t, h.server.SocketPath(), spin))
	assert.Equal(t, ErrorCodeInvokeFailed, e.Code)
	assert.Contains(t, e.Message, "resource_exhausted")

	state, err := h.manager.State("calc")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateSuspended, state)

	add, err := NewMessage(MessageTypeInvokeRequest, "2", InvokeRequest{Plugin: "calc", Export: "add", Args: []string{"1", "1"}})
	require.NoError(t, err)
	e = decodeError(t, roundTrip(t, h.server.SocketPath(), add))
	assert.Equal(t, ErrorCodeNotReady, e.Code)
	assert.Equal(t, "calc", e.PluginID)
	assert.Equal(t, string(plugin.StateSuspended), e.State)
}

func TestServer_ReloadAndUnload(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	before, err := h.manager.Plugin("calc")
	require.NoError(t, err)

	msg, err := NewMessage(MessageTypeReloadRequest, "r", PluginRequest{Plugin: "calc"})
	require.NoError(t, err)
	resp := roundTrip(t, h.server.SocketPath(), msg)
	require.Equal(t, MessageTypeReloadResponse, resp.Type)

	var pr PluginResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &pr))
	assert.Equal(t, PluginResponse{Plugin: "calc", State: string(plugin.StateReady)}, pr)

	after, err := h.manager.Plugin("calc")
	require.NoError(t, err)
	assert.NotEqual(t, before.InstanceID, after.InstanceID)

	msg, err = NewMessage(MessageTypeUnloadRequest, "u", PluginRequest{Plugin: "calc"})
	require.NoError(t, err)
	resp = roundTrip(t, h.server.SocketPath(), msg)
	require.Equal(t, MessageTypeUnloadResponse, resp.Type)
	require.NoError(t, json.Unmarshal(resp.Payload, &pr))
	assert.Equal(t, string(plugin.StateUnloaded), pr.State)
	assert.Empty(t, h.manager.ListPlugins())

	e := decodeError(t, roundTrip(t, h.server.SocketPath(), msg))
	assert.Equal(t, ErrorCodeNotFound, e.Code)

	msg, err = NewMessage(MessageTypeUnloadRequest, "u", PluginRequest{})
	require.NoError(t, err)
	e = decodeError(t, roundTrip(t, h.server.SocketPath(), msg))
	assert.Equal(t, ErrorCodeInvalidRequest, e.Code)
}

func TestServer_Stop(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	msg, err := NewMessage(MessageTypeStopRequest, "x", StopRequest{TimeoutSeconds: 1})
	require.NoError(t, err)

	resp := roundTrip(t, h.server.SocketPath(), msg)
	require.Equal(t, MessageTypeStopResponse, resp.Type)

	var sr StopResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &sr))
	assert.True(t, sr.Success)
	assert.Equal(t, int32(1), h.stops.Load())
}

func TestServer_StopUnsupported(t *testing.T) {
	t.Parallel()

	socketPath, lockPath := tempSocket(t)
	s := NewServer(ServerConfig{SocketPath: socketPath, LockPath: lockPath}, nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	msg, err := NewMessage(MessageTypeStopRequest, "x", nil)
	require.NoError(t, err)
	e := decodeError(t, roundTrip(t, socketPath, msg))
	assert.Equal(t, ErrorCodeInvalidRequest, e.Code)
}

func TestServer_UnknownMessageType(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	msg, err := NewMessage("bogus", "x", nil)
	require.NoError(t, err)

	e := decodeError(t, roundTrip(t, h.server.SocketPath(), msg))
	assert.Equal(t, ErrorCodeInvalidRequest, e.Code)
}

func TestServer_MalformedMessage(t *testing.T) {
	t.Parallel()

	h := newTestHost(t)
	conn, err := net.Dial("unix", h.server.SocketPath())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	var resp Message
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.Equal(t, ErrorCodeInvalidRequest, decodeError(t, &resp).Code)
}

// flakyListener fails every Accept until closed.
type flakyListener struct {
	accepts atomic.Int64
	closed  atomic.Bool
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	if l.closed.Load() {
		return nil, net.ErrClosed
	}
	return nil, errors.New("accept: too many open files")
}

func (l *flakyListener) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *flakyListener) Addr() net.Addr {
	return &net.UnixAddr{Name: "flaky", Net: "unix"}
}

func TestServer_AcceptErrorsBackOff(t *testing.T) {
	t.Parallel()

	ln := &flakyListener{}
	s := &Server{listener: ln, logger: logging.NewMemoryLogger()}
	s.wg.Add(1)
	go s.acceptLoop()

	time.Sleep(100 * time.Millisecond)
	_ = ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not stop after the listener closed")
	}

	// 5+10+20+40ms of backoff fit in 100ms; a tight loop makes millions.
	assert.LessOrEqual(t, ln.accepts.Load(), int64(10))
}
