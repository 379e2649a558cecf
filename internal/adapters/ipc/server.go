package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// DefaultInvokeTimeout bounds an invoke request without its own timeout.
const DefaultInvokeTimeout = 30 * time.Second

// Controller is the part of the plugin manager the control socket drives.
type Controller interface {
	ListPlugins() []plugin.Summary
	Plugin(pluginID string) (plugin.Summary, error)
	FailedLoads() []plugin.LoadFailure
	Invoke(ctx context.Context, pluginID, export string, args []provider.Value) ([]provider.Value, error)
	ReloadPlugin(ctx context.Context, pluginID string) (string, error)
	UnloadPlugin(ctx context.Context, pluginID string) error
}

// StopFunc shuts the host down.
type StopFunc func(ctx context.Context) error

// Server handles IPC communication via Unix socket.
type Server struct {
	socketPath string
	lockPath   string
	controller Controller
	stop       StopFunc
	host       string
	version    string
	logger     ports.Logger

	listener net.Listener
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
}

// ServerConfig contains configuration for the IPC server.
type ServerConfig struct {
	SocketPath string
	LockPath   string
	Host       string
	Version    string
	// OnStop handles stop requests; nil rejects them. It runs inside a
	// request handler and must not wait for Stop.
	OnStop StopFunc
	Logger ports.Logger
}

// SocketPath returns the socket path inside a data directory.
func SocketPath(dataDir string) string {
	return filepath.Join(dataDir, "pluginhost.sock")
}

// LockPath returns the lock file path inside a data directory.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "pluginhost.lock")
}

// NewServer creates a new IPC server.
func NewServer(cfg ServerConfig, controller Controller) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = SocketPath(".")
	}
	if cfg.LockPath == "" {
		cfg.LockPath = LockPath(filepath.Dir(cfg.SocketPath))
	}

	return &Server{
		socketPath: cfg.SocketPath,
		lockPath:   cfg.LockPath,
		controller: controller,
		stop:       cfg.OnStop,
		host:       cfg.Host,
		version:    cfg.Version,
		logger:     cfg.Logger,
	}
}

// Start begins listening for connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("server is closed")
	}

	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove stale socket file
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	if err := s.createLockFile(); err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.removeLockFile()
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		s.removeLockFile()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true

	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()

	// Wait outside the lock; handlers may still be replying.
	s.wg.Wait()

	_ = os.RemoveAll(s.socketPath)
	s.removeLockFile()

	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Accept failures back off like net/http: 5ms doubling up to a second.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()

			if closed || errors.Is(err, net.ErrClosed) {
				return
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			if s.logger != nil {
				s.logger.Warn(context.Background(), "accept failed",
					ports.F("error", err.Error()),
					ports.F("retry_in", backoff.String()))
			}
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	decoder := json.NewDecoder(conn)
	var msg Message
	if err := decoder.Decode(&msg); err != nil {
		if err != io.EOF {
			s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "failed to decode message")
		}
		return
	}

	s.handleMessage(conn, &msg)
}

func (s *Server) handleMessage(conn net.Conn, msg *Message) {
	if s.logger != nil {
		s.logger.Debug(context.Background(), "control request",
			ports.F("type", string(msg.Type)),
			ports.F("request_id", msg.RequestID))
	}

	switch msg.Type {
	case MessageTypeStatusRequest:
		s.handleStatusRequest(conn, msg)
	case MessageTypeListRequest:
		s.sendResponse(conn, msg.RequestID, MessageTypeListResponse, ListResponse{Plugins: s.controller.ListPlugins()})
	case MessageTypeInvokeRequest:
		s.handleInvokeRequest(conn, msg)
	case MessageTypeReloadRequest:
		s.handlePluginRequest(conn, msg, MessageTypeReloadResponse, func(ctx context.Context, id string) error {
			_, err := s.controller.ReloadPlugin(ctx, id)
			return err
		})
	case MessageTypeUnloadRequest:
		s.handlePluginRequest(conn, msg, MessageTypeUnloadResponse, s.controller.UnloadPlugin)
	case MessageTypeStopRequest:
		s.handleStopRequest(conn, msg)
	default:
		s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "unknown message type")
	}
}

func (s *Server) handleStatusRequest(conn net.Conn, msg *Message) {
	s.sendResponse(conn, msg.RequestID, MessageTypeStatusResponse, StatusResponse{
		Host:    s.host,
		Version: s.version,
		PID:     os.Getpid(),
		Loaded:  len(s.controller.ListPlugins()),
		Failed:  len(s.controller.FailedLoads()),
	})
}

func (s *Server) handleInvokeRequest(conn net.Conn, msg *Message) {
	var req InvokeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "invalid invoke request payload")
		return
	}
	if req.Plugin == "" || req.Export == "" {
		s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "plugin and export are required")
		return
	}

	summary, err := s.controller.Plugin(req.Plugin)
	if err != nil {
		s.sendFailure(conn, msg.RequestID, err)
		return
	}
	var args []provider.Value
	if sig, ok := summary.Exports[req.Export]; ok {
		args, err = sig.ParseArgs(req.Args)
		if err != nil {
			s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, err.Error())
			return
		}
	}

	timeout := DefaultInvokeTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	results, err := s.controller.Invoke(ctx, req.Plugin, req.Export, args)
	if err != nil {
		s.sendFailure(conn, msg.RequestID, err)
		return
	}
	if results == nil {
		results = []provider.Value{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		s.sendError(conn, msg.RequestID, ErrorCodeInternalError, err.Error())
		return
	}

	resp := InvokeResponse{Results: raw}
	if after, err := s.controller.Plugin(req.Plugin); err == nil {
		resp.State = after.State
	}
	s.sendResponse(conn, msg.RequestID, MessageTypeInvokeResponse, resp)
}

func (s *Server) handlePluginRequest(conn net.Conn, msg *Message, respType MessageType, op func(context.Context, string) error) {
	var req PluginRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Plugin == "" {
		s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "plugin is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultInvokeTimeout)
	defer cancel()

	if err := op(ctx, req.Plugin); err != nil {
		s.sendFailure(conn, msg.RequestID, err)
		return
	}

	resp := PluginResponse{Plugin: req.Plugin, State: string(plugin.StateUnloaded)}
	if summary, err := s.controller.Plugin(req.Plugin); err == nil {
		resp.State = string(summary.State)
	}
	s.sendResponse(conn, msg.RequestID, respType, resp)
}

func (s *Server) handleStopRequest(conn net.Conn, msg *Message) {
	if s.stop == nil {
		s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "stop is not supported")
		return
	}

	var req StopRequest
	if msg.Payload != nil {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "invalid stop request payload")
			return
		}
	}

	timeout := 30 * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.stop(ctx); err != nil {
		s.sendResponse(conn, msg.RequestID, MessageTypeStopResponse, StopResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}

	s.sendResponse(conn, msg.RequestID, MessageTypeStopResponse, StopResponse{
		Success: true,
		Message: "host stopped",
	})
}

// sendFailure maps a manager error onto an error response.
func (s *Server) sendFailure(conn net.Conn, requestID string, err error) {
	code := ErrorCodeInternalError
	switch {
	case plugin.IsNotFound(err):
		code = ErrorCodeNotFound
	case plugin.IsNotReady(err):
		resp := ErrorResponse{Code: ErrorCodeNotReady, Message: err.Error()}
		var le *plugin.LifecycleError
		if errors.As(err, &le) {
			resp.PluginID = le.PluginID
			resp.State = string(le.State)
		}
		s.sendResponse(conn, requestID, MessageTypeErrorResponse, resp)
		return
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrorCodeTimeout
	default:
		if _, ok := provider.AsInvokeError(err); ok {
			code = ErrorCodeInvokeFailed
		}
	}
	s.sendError(conn, requestID, code, err.Error())
}

func (s *Server) sendResponse(conn net.Conn, requestID string, msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, requestID, payload)
	if err != nil {
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = json.NewEncoder(conn).Encode(msg)
}

func (s *Server) sendError(conn net.Conn, requestID, code, message string) {
	s.sendResponse(conn, requestID, MessageTypeErrorResponse, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func (s *Server) createLockFile() error {
	dir := filepath.Dir(s.lockPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data := fmt.Sprintf("%d\n", os.Getpid())
	return os.WriteFile(s.lockPath, []byte(data), 0o600)
}

func (s *Server) removeLockFile() {
	_ = os.RemoveAll(s.lockPath)
}
