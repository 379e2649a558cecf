package hostapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/adapters/logging"
	"github.com/felixgeelhaar/pluginhost/internal/domain/broker"
	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
	"github.com/felixgeelhaar/pluginhost/internal/testutil/mocks"
)

func lookup(t *testing.T, table provider.HostFunctionTable, name string) provider.HostFunction {
	t.Helper()
	fn, ok := table.Lookup(name)
	require.True(t, ok, "host function %s missing", name)
	return fn
}

// guarded wraps the table for a plugin with the given requests and grants.
func guarded(s Services, requested []string, grants ...string) provider.HostFunctionTable {
	var caps []capability.Capability
	for _, r := range requested {
		caps = append(caps, capability.MustParse(r))
	}
	var gs []capability.Grant
	for _, g := range grants {
		decision := capability.Allowed
		if strings.HasPrefix(g, "!") {
			decision = capability.Denied
			g = g[1:]
		}
		gs = append(gs, capability.NewGrant("p1", capability.MustParse(g), decision))
	}
	return broker.New().Wrap("p1", capability.Resolve(caps, gs), Table(s), provider.DefaultLimits())
}

func TestTable_Names(t *testing.T) {
	t.Parallel()

	table := Table(Services{})
	require.NoError(t, table.Validate())
	assert.Equal(t, []string{FuncLog, FuncReadFile, FuncWriteFile, FuncHTTPGet, FuncCall}, table.Names())
}

func TestReadFile_BroaderGrant(t *testing.T) {
	t.Parallel()

	fs := mocks.NewFileSystem()
	fs.AddFile("/tmp/x", "contents")
	table := guarded(Services{FileSystem: fs}, []string{"filesystem-read:/tmp"}, "filesystem-read:/")

	out, err := lookup(t, table, FuncReadFile).Call(context.Background(), []byte("/tmp/x"))
	require.NoError(t, err)
	assert.Equal(t, "contents", string(out))
}

func TestReadFile_Denied(t *testing.T) {
	t.Parallel()

	fs := mocks.NewFileSystem()
	fs.AddFile("/tmp/x", "contents")
	fs.AddFile("/etc/passwd", "root")

	tests := []struct {
		name      string
		requested []string
		grants    []string
		path      string
	}{
		{"no grant", []string{"filesystem-read:/tmp"}, nil, "/tmp/x"},
		{"denied grant", []string{"filesystem-read:/tmp"}, []string{"!filesystem-read:/tmp"}, "/tmp/x"},
		{"outside scope", []string{"filesystem-read:/tmp"}, []string{"filesystem-read:/"}, "/etc/passwd"},
		{"dot-dot escape", []string{"filesystem-read:/tmp"}, []string{"filesystem-read:/tmp"}, "/tmp/../etc/passwd"},
		{"relative", []string{"filesystem-read:/tmp"}, []string{"filesystem-read:/tmp"}, "tmp/x"},
		{"write grant only", []string{"filesystem-read:/tmp"}, []string{"filesystem-write:/tmp"}, "/tmp/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := guarded(Services{FileSystem: fs}, tt.requested, tt.grants...)
			_, err := lookup(t, table, FuncReadFile).Call(context.Background(), []byte(tt.path))
			assert.ErrorIs(t, err, provider.ErrPermissionDenied)
		})
	}

	for _, read := range fs.Reads() {
		assert.NotEqual(t, "/etc/passwd", read, "denied read reached the filesystem")
	}
}

func TestReadFile_SymlinkEscape(t *testing.T) {
	t.Parallel()

	fs := mocks.NewFileSystem()
	fs.AddFile("/etc/shadow", "secret")
	fs.AddSymlink("/tmp/link", "/etc")

	table := guarded(Services{FileSystem: fs}, []string{"filesystem-read:/tmp"}, "filesystem-read:/tmp")
	_, err := lookup(t, table, FuncReadFile).Call(context.Background(), []byte("/tmp/link/shadow"))
	assert.ErrorIs(t, err, provider.ErrPermissionDenied)
	assert.Empty(t, fs.Reads())
}

func TestReadFile_RequiresBrokerAuthorization(t *testing.T) {
	t.Parallel()

	fs := mocks.NewFileSystem()
	fs.AddFile("/tmp/x", "contents")

	// Called directly, without the broker, the function refuses to run.
	_, err := lookup(t, Table(Services{FileSystem: fs}), FuncReadFile).Call(context.Background(), []byte("/tmp/x"))
	assert.ErrorIs(t, err, provider.ErrPermissionDenied)

	// An authorization for a different path does not transfer.
	ctx := provider.WithAuthorized(context.Background(), capability.MustParse("filesystem-read:/tmp/y"))
	_, err = lookup(t, Table(Services{FileSystem: fs}), FuncReadFile).Call(ctx, []byte("/tmp/x"))
	assert.ErrorIs(t, err, ErrScopeMoved)
}

func TestReadFile_TooLarge(t *testing.T) {
	t.Parallel()

	fs := mocks.NewFileSystem()
	fs.AddFile("/tmp/big", strings.Repeat("x", 100))
	table := guarded(Services{FileSystem: fs, MaxReadBytes: 10}, []string{"filesystem-read:/tmp"}, "filesystem-read:/tmp")

	_, err := lookup(t, table, FuncReadFile).Call(context.Background(), []byte("/tmp/big"))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	fs := mocks.NewFileSystem()
	fs.AddDir("/data")
	table := guarded(Services{FileSystem: fs}, []string{"filesystem-write:/data"}, "filesystem-write:/data")
	write := lookup(t, table, FuncWriteFile)

	payload, err := json.Marshal(WriteRequest{Path: "/data/out.txt", Data: "hello"})
	require.NoError(t, err)
	_, err = write.Call(context.Background(), payload)
	require.NoError(t, err)

	content, err := fs.ReadFile("/data/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	payload, _ = json.Marshal(WriteRequest{Path: "/etc/out.txt", Data: "x"})
	_, err = write.Call(context.Background(), payload)
	assert.ErrorIs(t, err, provider.ErrPermissionDenied)

	_, err = write.Call(context.Background(), []byte("{not json"))
	assert.ErrorIs(t, err, provider.ErrPermissionDenied)
	assert.Equal(t, []string{"/data/out.txt"}, fs.Writes())
}

type stubHTTP struct {
	urls []string
}

func (s *stubHTTP) Get(_ context.Context, rawURL string) ([]byte, int, error) {
	s.urls = append(s.urls, rawURL)
	if strings.HasSuffix(rawURL, "/missing") {
		return nil, http.StatusNotFound, nil
	}
	return []byte("ok"), http.StatusOK, nil
}

func TestHTTPGet(t *testing.T) {
	t.Parallel()

	client := &stubHTTP{}
	table := guarded(Services{HTTP: client},
		[]string{"network-connect:*.example.com"},
		"network-connect:*.example.com", "!network-connect:evil.example.com")
	get := lookup(t, table, FuncHTTPGet)

	out, err := get.Call(context.Background(), []byte("https://api.example.com/v1"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))

	_, err = get.Call(context.Background(), []byte("https://api.example.com/missing"))
	assert.ErrorContains(t, err, "404")

	for _, denied := range []string{
		"https://evil.example.com/",
		"https://example.org/",
		"ftp://api.example.com/",
		"https:///nohost",
	} {
		_, err = get.Call(context.Background(), []byte(denied))
		assert.ErrorIs(t, err, provider.ErrPermissionDenied, denied)
	}
	assert.Len(t, client.urls, 2)
}

func TestURLCapability(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want string
	}{
		{"http://example.com/x", "network-connect:example.com:80"},
		{"https://Example.com", "network-connect:example.com:443"},
		{"http://localhost:8080/", "network-connect:localhost:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			got, err := urlCapability([]byte(tt.url))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestCall(t *testing.T) {
	t.Parallel()

	apis := NewRegistry()
	require.NoError(t, apis.Register("kv.get", func(_ context.Context, payload []byte) ([]byte, error) {
		return []byte("value-of-" + string(payload)), nil
	}))
	require.NoError(t, apis.Register("kv.set", func(context.Context, []byte) ([]byte, error) { return nil, nil }))
	require.Error(t, apis.Register("kv.get", func(context.Context, []byte) ([]byte, error) { return nil, nil }))
	assert.Equal(t, []string{"kv.get", "kv.set"}, apis.Names())

	table := guarded(Services{APIs: apis}, []string{"host-api-call:kv.*"}, "host-api-call:kv.get", "!host-api-call:kv.set")
	call := lookup(t, table, FuncCall)

	out, err := call.Call(context.Background(), []byte(`{"name":"kv.get","payload":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "value-of-a", string(out))

	_, err = call.Call(context.Background(), []byte(`{"name":"kv.set","payload":"a"}`))
	assert.ErrorIs(t, err, provider.ErrPermissionDenied)

	_, err = call.Call(context.Background(), []byte(`{"payload":"a"}`))
	assert.ErrorIs(t, err, provider.ErrPermissionDenied)
}

func TestCall_UnknownAPI(t *testing.T) {
	t.Parallel()

	table := guarded(Services{}, []string{"host-api-call:kv.*"}, "host-api-call:kv.*")
	_, err := lookup(t, table, FuncCall).Call(context.Background(), []byte(`{"name":"kv.del"}`))
	assert.ErrorIs(t, err, ErrUnknownAPI)
}

func TestLog(t *testing.T) {
	t.Parallel()

	logger := logging.NewMemoryLogger()
	table := guarded(Services{Logger: logger}, nil)

	_, err := lookup(t, table, FuncLog).Call(context.Background(), []byte("hello from plugin\n"))
	require.NoError(t, err)

	entries := logger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "hello from plugin", entries[0].Message)
	assert.Equal(t, "plugin", entries[0].Fields["source"])
}

func TestNullServices(t *testing.T) {
	t.Parallel()

	table := guarded(NullServices(), []string{"filesystem-read:/", "network-connect"}, "filesystem-read:/", "network-connect")

	_, err := lookup(t, table, FuncReadFile).Call(context.Background(), []byte("/tmp/x"))
	assert.ErrorIs(t, err, provider.ErrPermissionDenied)

	_, err = lookup(t, table, FuncHTTPGet).Call(context.Background(), []byte("https://example.com"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNetHTTPClient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/redirect":
			w.Header().Set("Location", "/elsewhere")
			w.WriteHeader(http.StatusFound)
			_, _ = w.Write([]byte(strings.Repeat("r", 64)))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			_, _ = w.Write([]byte("hello"))
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(5*time.Second, 32)

	body, status, err := client.Get(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello", string(body))

	// The redirect body is larger than the cap and is not read.
	body, status, err = client.Get(context.Background(), srv.URL+"/redirect")
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, status)
	assert.Empty(t, body)

	_, _, err = client.Get(context.Background(), srv.URL+"/big")
	assert.ErrorIs(t, err, ErrTooLarge)
}
