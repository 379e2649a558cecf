// Package app assembles a plugin host from its configuration: the grant
// store, the sandbox, the host services, metrics, tracing and the plugin
// manager that ties them together.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/pluginhost/internal/adapters/bundle"
	"github.com/felixgeelhaar/pluginhost/internal/adapters/filesystem"
	"github.com/felixgeelhaar/pluginhost/internal/adapters/grantstore"
	"github.com/felixgeelhaar/pluginhost/internal/adapters/ipc"
	"github.com/felixgeelhaar/pluginhost/internal/adapters/logging"
	"github.com/felixgeelhaar/pluginhost/internal/adapters/metrics"
	"github.com/felixgeelhaar/pluginhost/internal/adapters/telemetry"
	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
	"github.com/felixgeelhaar/pluginhost/internal/domain/hostapi"
	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
	"github.com/felixgeelhaar/pluginhost/internal/domain/sandbox"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// HostInfoAPI is the name of the built-in host API describing the host.
const HostInfoAPI = "host.info"

// HTTPTimeout bounds a single http_get host call.
const HTTPTimeout = 10 * time.Second

// BundleDir returns the directory installed bundles live in.
func BundleDir(dataDir string) string {
	return filepath.Join(dataDir, "plugins")
}

// Options replaces parts of the assembled host. The zero value builds
// everything from the configuration.
type Options struct {
	// Version is reported by telemetry, the control socket and host.info.
	Version string

	// Out receives console log output. Defaults to os.Stderr.
	Out io.Writer

	// Logger replaces the console logger built from the log section.
	Logger ports.Logger

	// Provider replaces the wazero sandbox.
	Provider provider.Provider

	// FileSystem backs bundles and the file host functions.
	FileSystem ports.FileSystem

	// HTTP backs http_get.
	HTTP hostapi.HTTPClient

	// APIs holds the named host APIs reachable through call.
	APIs *hostapi.Registry

	// TraceWriter receives stdout exporter output.
	TraceWriter io.Writer

	// Clock replaces time.Now for seeded grants and the manager.
	Clock func() time.Time
}

// Host is an assembled plugin host.
type Host struct {
	cfg      *config.HostConfig
	version  string
	logger   ports.Logger
	fs       ports.FileSystem
	manager  *plugin.Manager
	bundles  *bundle.Store
	grants   grantstore.Store
	metrics  *metrics.Prometheus
	shutdown telemetry.ShutdownFunc

	// sandbox is closed by the manager once one exists.
	sandbox provider.Provider
}

// NewLogger builds the console logger described by cfg.
func NewLogger(cfg config.LogConfig, out io.Writer) (ports.Logger, error) {
	level, err := ports.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stderr
	}
	return logging.NewConsoleLogger(
		logging.WithOutput(out),
		logging.WithLevel(level),
		logging.WithJSONFormat(cfg.Format == "json"),
		logging.WithTimestamp(true),
	), nil
}

// New validates cfg and assembles a host. A nil cfg uses config.Default.
func New(ctx context.Context, cfg *config.HostConfig, opts Options) (_ *Host, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	logger := opts.Logger
	if logger == nil {
		logger, err = NewLogger(cfg.Log, opts.Out)
		if err != nil {
			return nil, err
		}
	}

	fs := opts.FileSystem
	if fs == nil {
		fs = filesystem.NewRealFileSystem()
	}

	h := &Host{
		cfg:      cfg,
		version:  opts.Version,
		logger:   logger,
		fs:       fs,
		bundles:  bundle.NewStore(fs, BundleDir(cfg.DataDir)),
		shutdown: func(context.Context) error { return nil },
	}
	defer func() {
		if err != nil {
			_ = h.release(context.WithoutCancel(ctx))
		}
	}()

	h.grants, err = grantstore.Open(ctx, cfg.Grants, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	seeds, err := cfg.SeedGrants(now())
	if err != nil {
		return nil, err
	}
	added, err := grantstore.Seed(ctx, h.grants, seeds)
	if err != nil {
		return nil, config.NewGrantStoreError(cfg.Grants.Backend, err)
	}
	if added > 0 {
		logger.Debug(ctx, "seeded grants from config", ports.F("count", added))
	}

	tp, shutdown, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: cfg.Host.Name,
		Version:     opts.Version,
		Config:      cfg.Telemetry,
		Writer:      opts.TraceWriter,
	})
	if err != nil {
		return nil, config.NewUserError(config.ErrCodeConfigInvalid, err.Error()).WithContext("telemetry")
	}
	h.shutdown = shutdown

	p := opts.Provider
	if p == nil {
		sbCfg := cfg.SandboxConfig()
		sbCfg.Logger = logger
		p, err = sandbox.NewWazeroProvider(ctx, sbCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox: %w", err)
		}
	}
	h.sandbox = p

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	apis := opts.APIs
	if apis == nil {
		apis = hostapi.NewRegistry()
	}
	if _, ok := apis.Lookup(HostInfoAPI); !ok {
		if err := apis.Register(HostInfoAPI, h.hostInfo); err != nil {
			return nil, err
		}
	}

	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = hostapi.NewHTTPClient(HTTPTimeout, hostapi.DefaultMaxReadBytes)
	}

	managerOpts := []plugin.ManagerOption{
		plugin.WithGrantStore(h.grants),
		plugin.WithHostFunctions(hostapi.Table(hostapi.Services{
			FileSystem: fs,
			HTTP:       httpClient,
			APIs:       apis,
			Logger:     logger,
		})),
		plugin.WithLimits(cfg.BaseLimits()),
		plugin.WithLogger(logger),
		plugin.WithTracer(telemetry.Tracer(tp)),
		plugin.WithFaultPolicy(policy),
		plugin.WithClock(now),
		plugin.WithCancelGrace(cfg.CancelGrace),
		plugin.WithLoadParallelism(cfg.LoadParallelism),
	}
	for id, limits := range cfg.PluginLimits() {
		managerOpts = append(managerOpts, plugin.WithPluginLimits(id, limits))
	}
	if cfg.Metrics.Enabled {
		h.metrics = metrics.NewPrometheus()
		managerOpts = append(managerOpts, plugin.WithMetrics(h.metrics))
	}

	h.manager = plugin.NewManager(p, managerOpts...)
	return h, nil
}

// Config returns the configuration the host was built from.
func (h *Host) Config() *config.HostConfig { return h.cfg }

// Logger returns the host logger.
func (h *Host) Logger() ports.Logger { return h.logger }

// Manager returns the plugin manager.
func (h *Host) Manager() *plugin.Manager { return h.manager }

// Bundles returns the installed bundle store.
func (h *Host) Bundles() *bundle.Store { return h.bundles }

// Metrics returns the Prometheus collector, or nil when metrics are off.
func (h *Host) Metrics() *metrics.Prometheus { return h.metrics }

// LoadInstalled loads every installed bundle. Unreadable bundles and
// failed loads are logged; the error is set only when bundles exist and
// none of them loaded.
func (h *Host) LoadInstalled(ctx context.Context) ([]string, error) {
	bundles, readErr := h.bundles.Bundles()
	if readErr != nil {
		h.logger.Warn(ctx, "skipping unreadable bundles", ports.F("error", readErr.Error()))
	}
	if len(bundles) == 0 {
		if readErr != nil {
			return nil, readErr
		}
		return nil, nil
	}

	ids, err := h.manager.LoadAll(ctx, bundles)
	for _, f := range h.manager.FailedLoads() {
		h.logger.Warn(ctx, "plugin failed to load",
			ports.F("plugin", f.PluginID),
			ports.F("error", f.Err.Error()))
	}
	if err != nil {
		return nil, err
	}
	h.logger.Info(ctx, "plugins loaded", ports.F("count", len(ids)))
	return ids, nil
}

// Run loads the bundle in dir, invokes one export with textual arguments
// and unloads the plugin again.
func (h *Host) Run(ctx context.Context, dir, export string, args []string) ([]provider.Value, error) {
	b, err := bundle.Read(h.fs, dir)
	if err != nil {
		return nil, err
	}

	id, err := h.manager.LoadPlugin(ctx, b)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := h.manager.UnloadPlugin(context.WithoutCancel(ctx), id); err != nil && !plugin.IsNotFound(err) {
			h.logger.Warn(ctx, "unload after run failed", ports.F("plugin", id), ports.F("error", err.Error()))
		}
	}()

	return h.Invoke(ctx, id, export, args)
}

// Invoke calls an export of a loaded plugin, parsing args by the export's
// declared parameter types. Undeclared exports reach the manager without
// arguments and fail there.
func (h *Host) Invoke(ctx context.Context, pluginID, export string, args []string) ([]provider.Value, error) {
	summary, err := h.manager.Plugin(pluginID)
	if err != nil {
		return nil, err
	}

	var values []provider.Value
	if sig, ok := summary.Exports[export]; ok {
		values, err = sig.ParseArgs(args)
		if err != nil {
			return nil, config.NewUserError(config.ErrCodeValidationFailed, err.Error()).
				WithContext(pluginID + "." + export).
				WithSuggestion("Export signature: " + sig.String())
		}
	}

	return h.manager.Invoke(ctx, pluginID, export, values)
}

// Grant records a decision given in text form.
func (h *Host) Grant(ctx context.Context, pluginID, rawCapability, rawDecision string) (capability.Grant, error) {
	c, err := capability.Parse(rawCapability)
	if err != nil {
		return capability.Grant{}, config.NewCapabilityError(rawCapability, err)
	}
	d, err := capability.ParseDecision(rawDecision)
	if err != nil {
		return capability.Grant{}, config.NewUserError(config.ErrCodeValidationFailed, err.Error()).
			WithSuggestion("Use allow or deny.")
	}
	if err := h.manager.Grant(ctx, pluginID, c, d); err != nil {
		return capability.Grant{}, err
	}
	return capability.NewGrant(pluginID, c, d), nil
}

// Revoke removes a recorded decision given in text form.
func (h *Host) Revoke(ctx context.Context, pluginID, rawCapability string) (bool, error) {
	c, err := capability.Parse(rawCapability)
	if err != nil {
		return false, config.NewCapabilityError(rawCapability, err)
	}
	return h.manager.Revoke(ctx, pluginID, c)
}

// Grants lists recorded decisions for one plugin, or for every plugin when
// pluginID is empty.
func (h *Host) Grants(ctx context.Context, pluginID string) ([]capability.Grant, error) {
	return h.manager.Grants(ctx, pluginID)
}

// Serve loads installed bundles and answers the control socket until ctx
// is done or a stop request arrives. The metrics endpoint runs alongside
// when enabled.
func (h *Host) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := h.LoadInstalled(ctx); err != nil {
		h.logger.Warn(ctx, "serving without plugins", ports.F("error", err.Error()))
	}

	server := ipc.NewServer(ipc.ServerConfig{
		SocketPath: ipc.SocketPath(h.cfg.DataDir),
		Host:       h.cfg.Host.Name,
		Version:    h.version,
		Logger:     h.logger,
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	}, h.manager)
	if err := server.Start(); err != nil {
		return err
	}
	h.logger.Info(ctx, "host started",
		ports.F("socket", server.SocketPath()),
		ports.F("pid", os.Getpid()))

	g, gctx := errgroup.WithContext(ctx)
	if h.metrics != nil {
		addr := h.cfg.Metrics.Address
		g.Go(func() error {
			if err := h.metrics.Serve(gctx, addr); err != nil {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		h.logger.Info(ctx, "metrics endpoint started", ports.F("address", addr))
	}
	g.Go(func() error {
		<-gctx.Done()
		return server.Stop()
	})

	err := g.Wait()
	h.logger.Info(context.WithoutCancel(ctx), "host stopped")
	return err
}

// Close unloads every plugin and releases the grant store and exporter.
func (h *Host) Close(ctx context.Context) error {
	return h.release(ctx)
}

func (h *Host) release(ctx context.Context) error {
	var errs []error
	switch {
	case h.manager != nil:
		errs = append(errs, h.manager.Close(ctx))
	case h.sandbox != nil:
		errs = append(errs, h.sandbox.Close(ctx))
	}
	if h.grants != nil {
		errs = append(errs, h.grants.Close())
	}
	if h.shutdown != nil {
		errs = append(errs, h.shutdown(ctx))
	}
	return errors.Join(errs...)
}

type hostInfo struct {
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Plugins []string `json:"plugins"`
}

func (h *Host) hostInfo(context.Context, []byte) ([]byte, error) {
	info := hostInfo{Name: h.cfg.Host.Name, Version: h.version, Plugins: []string{}}
	if h.manager != nil {
		for _, s := range h.manager.ListPlugins() {
			info.Plugins = append(info.Plugins, s.ID)
		}
	}
	return json.Marshal(info)
}
