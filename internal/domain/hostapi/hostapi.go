// Package hostapi implements the host functions plugins can import. Each
// function declares how to derive the capability it exercises; the broker
// decides whether the call proceeds.
package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// Host function names.
const (
	FuncLog       = "log"
	FuncReadFile  = "read_file"
	FuncWriteFile = "write_file"
	FuncHTTPGet   = "http_get"
	FuncCall      = "call"
)

// DefaultMaxReadBytes caps read_file and http_get results.
const DefaultMaxReadBytes = 1 << 20

// Host API errors.
var (
	ErrUnavailable = errors.New("host service unavailable")
	ErrTooLarge    = errors.New("result exceeds size limit")
	ErrUnknownAPI  = errors.New("unknown host api")
	ErrScopeMoved  = errors.New("resolved path changed after authorization")
)

// HTTPClient performs outbound requests for http_get.
type HTTPClient interface {
	Get(ctx context.Context, rawURL string) (body []byte, status int, err error)
}

// Services provides the implementations behind host functions.
type Services struct {
	// FileSystem backs read_file and write_file.
	FileSystem ports.FileSystem

	// HTTP backs http_get.
	HTTP HTTPClient

	// APIs backs call.
	APIs *Registry

	// Logger receives plugin log lines.
	Logger ports.Logger

	// MaxReadBytes caps read results; zero means DefaultMaxReadBytes.
	MaxReadBytes int
}

// NullServices returns services that refuse every privileged operation.
func NullServices() Services {
	return Services{
		FileSystem: NullFileSystem{},
		HTTP:       NullHTTPClient{},
		APIs:       NewRegistry(),
	}
}

func (s Services) maxRead() int {
	if s.MaxReadBytes > 0 {
		return s.MaxReadBytes
	}
	return DefaultMaxReadBytes
}

// Table builds the host function table for the services.
func Table(s Services) provider.HostFunctionTable {
	if s.FileSystem == nil {
		s.FileSystem = NullFileSystem{}
	}
	if s.HTTP == nil {
		s.HTTP = NullHTTPClient{}
	}
	if s.APIs == nil {
		s.APIs = NewRegistry()
	}

	return provider.HostFunctionTable{
		{
			Name:        FuncLog,
			Description: "Write a line to the host log",
			Call:        s.log,
		},
		{
			Name:        FuncReadFile,
			Description: "Read a file; payload is an absolute path",
			Capability:  s.pathCapability(capability.KindFilesystemRead),
			Call:        s.readFile,
		},
		{
			Name:        FuncWriteFile,
			Description: `Write a file; payload is {"path": ..., "data": ...}`,
			Capability:  s.writeCapability,
			Call:        s.writeFile,
		},
		{
			Name:        FuncHTTPGet,
			Description: "Fetch a URL over http or https",
			Capability:  urlCapability,
			Call:        s.httpGet,
		},
		{
			Name:        FuncCall,
			Description: `Call a named host API; payload is {"name": ..., "payload": ...}`,
			Capability:  apiCapability,
			Call:        s.call,
		},
	}
}

func (s Services) log(ctx context.Context, payload []byte) ([]byte, error) {
	if s.Logger != nil {
		s.Logger.Info(ctx, strings.TrimRight(string(payload), "\n"), ports.F("source", "plugin"))
	}
	return nil, nil
}

// pathCapability resolves symlinks before deriving the capability so a link
// inside a granted scope cannot reach outside it.
func (s Services) pathCapability(kind capability.Kind) provider.CapabilityFunc {
	return func(payload []byte) (capability.Capability, error) {
		return s.resolvePath(kind, string(payload))
	}
}

func (s Services) resolvePath(kind capability.Kind, p string) (capability.Capability, error) {
	if !strings.HasPrefix(p, "/") {
		return capability.Capability{}, fmt.Errorf("path %q must be absolute", p)
	}
	resolved, err := s.FileSystem.Resolve(p)
	if err != nil {
		return capability.Capability{}, fmt.Errorf("resolve %q: %w", p, err)
	}
	return capability.New(kind, resolved)
}

// authorizedPath re-resolves p and checks it still matches what the broker
// authorized.
func (s Services) authorizedPath(ctx context.Context, kind capability.Kind, p string) (string, error) {
	current, err := s.resolvePath(kind, p)
	if err != nil {
		return "", err
	}
	authorized, ok := provider.AuthorizedFrom(ctx)
	if !ok || authorized.Kind() != kind {
		return "", fmt.Errorf("%w: %s", provider.ErrPermissionDenied, current)
	}
	if authorized.Scope() != current.Scope() {
		return "", fmt.Errorf("%w: %w", provider.ErrPermissionDenied, ErrScopeMoved)
	}
	return current.Scope(), nil
}

func (s Services) readFile(ctx context.Context, payload []byte) ([]byte, error) {
	p, err := s.authorizedPath(ctx, capability.KindFilesystemRead, string(payload))
	if err != nil {
		return nil, err
	}
	data, err := s.FileSystem.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if len(data) > s.maxRead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// WriteRequest is the write_file payload.
type WriteRequest struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

func decodeWrite(payload []byte) (WriteRequest, error) {
	var req WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("invalid write_file payload: %w", err)
	}
	return req, nil
}

func (s Services) writeCapability(payload []byte) (capability.Capability, error) {
	req, err := decodeWrite(payload)
	if err != nil {
		return capability.Capability{}, err
	}
	return s.resolvePath(capability.KindFilesystemWrite, req.Path)
}

func (s Services) writeFile(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decodeWrite(payload)
	if err != nil {
		return nil, err
	}
	p, err := s.authorizedPath(ctx, capability.KindFilesystemWrite, req.Path)
	if err != nil {
		return nil, err
	}
	return nil, s.FileSystem.WriteFile(p, []byte(req.Data), 0o644)
}

// urlCapability maps a URL to network-connect:host:port.
func urlCapability(payload []byte) (capability.Capability, error) {
	u, err := url.Parse(string(payload))
	if err != nil {
		return capability.Capability{}, err
	}
	port := u.Port()
	switch u.Scheme {
	case "http":
		if port == "" {
			port = "80"
		}
	case "https":
		if port == "" {
			port = "443"
		}
	default:
		return capability.Capability{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return capability.Capability{}, fmt.Errorf("url %q has no host", u.Redacted())
	}
	return capability.New(capability.KindNetworkConnect, net.JoinHostPort(u.Hostname(), port))
}

func (s Services) httpGet(ctx context.Context, payload []byte) ([]byte, error) {
	body, status, err := s.HTTP.Get(ctx, string(payload))
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("http status %d", status)
	}
	if len(body) > s.maxRead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}
	return body, nil
}

// CallRequest is the call payload.
type CallRequest struct {
	Name    string `json:"name"`
	Payload string `json:"payload"`
}

func decodeCall(payload []byte) (CallRequest, error) {
	var req CallRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("invalid call payload: %w", err)
	}
	if req.Name == "" {
		return req, errors.New("call payload has no name")
	}
	return req, nil
}

func apiCapability(payload []byte) (capability.Capability, error) {
	req, err := decodeCall(payload)
	if err != nil {
		return capability.Capability{}, err
	}
	return capability.New(capability.KindHostAPICall, req.Name)
}

func (s Services) call(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decodeCall(payload)
	if err != nil {
		return nil, err
	}
	api, ok := s.APIs.Lookup(req.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAPI, req.Name)
	}
	return api(ctx, []byte(req.Payload))
}
