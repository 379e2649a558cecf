// Package config defines the host configuration: who the host is, where it
// keeps plugins, the limits and grants it applies, and how it reports.
// Loading is done by adapters/hostconfig; this package only models and
// validates the result.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
	"github.com/felixgeelhaar/pluginhost/internal/domain/sandbox"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// Grant store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Telemetry exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// DefaultDataDir is the data directory used when none is configured.
const DefaultDataDir = ".pluginhost"

// HostConfig is the complete host configuration.
type HostConfig struct {
	Host HostInfo `koanf:"host" yaml:"host"`

	// DataDir holds installed bundles and the SQLite grant database.
	DataDir string `koanf:"data_dir" yaml:"data_dir"`

	Log LogConfig `koanf:"log" yaml:"log"`

	Sandbox SandboxConfig `koanf:"sandbox" yaml:"sandbox"`

	// Profile picks the base limits: default, restricted or trusted.
	Profile string `koanf:"profile" yaml:"profile"`

	// Limits overrides fields of the profile's limits.
	Limits provider.ResourceLimits `koanf:"limits" yaml:"limits"`

	// Plugins holds per-plugin limits and seeded grants, keyed by plugin id.
	Plugins map[string]PluginConfig `koanf:"plugins" yaml:"plugins"`

	Grants GrantStoreConfig `koanf:"grants" yaml:"grants"`

	// FaultPolicy is a CEL expression classifying invocation faults.
	FaultPolicy string `koanf:"fault_policy" yaml:"fault_policy"`

	// CancelGrace bounds how long a canceled invocation may keep running.
	CancelGrace time.Duration `koanf:"cancel_grace" yaml:"cancel_grace"`

	// LoadParallelism bounds concurrent loads at startup.
	LoadParallelism int `koanf:"load_parallelism" yaml:"load_parallelism"`

	Metrics   MetricsConfig   `koanf:"metrics" yaml:"metrics"`
	Telemetry TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
}

// HostInfo identifies the embedding application.
type HostInfo struct {
	Name        string `koanf:"name" yaml:"name"`
	Version     string `koanf:"version" yaml:"version"`
	Description string `koanf:"description" yaml:"description"`
}

// LogConfig configures the console logger.
type LogConfig struct {
	Level string `koanf:"level" yaml:"level"`
	// Format is text or json.
	Format string `koanf:"format" yaml:"format"`
}

// SandboxConfig configures the wazero provider.
type SandboxConfig struct {
	Engine string `koanf:"engine" yaml:"engine"`
	// CacheDir enables the on-disk compilation cache when set.
	CacheDir       string `koanf:"cache_dir" yaml:"cache_dir"`
	MaxMemoryBytes uint64 `koanf:"max_memory_bytes" yaml:"max_memory_bytes"`
}

// PluginConfig is the per-plugin section.
type PluginConfig struct {
	Limits provider.ResourceLimits `koanf:"limits" yaml:"limits"`
	Allow  []string                `koanf:"allow" yaml:"allow"`
	Deny   []string                `koanf:"deny" yaml:"deny"`
}

// GrantStoreConfig selects and configures the grant store backend.
type GrantStoreConfig struct {
	Backend string `koanf:"backend" yaml:"backend"`
	// Path is the SQLite database file, relative to DataDir when not absolute.
	Path  string      `koanf:"path" yaml:"path"`
	Redis RedisConfig `koanf:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis grant store.
type RedisConfig struct {
	Addr      string `koanf:"addr" yaml:"addr"`
	Password  string `koanf:"password" yaml:"password"`
	DB        int    `koanf:"db" yaml:"db"`
	KeyPrefix string `koanf:"key_prefix" yaml:"key_prefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Address string `koanf:"address" yaml:"address"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	Exporter     string `koanf:"exporter" yaml:"exporter"`
	OTLPEndpoint string `koanf:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure" yaml:"otlp_insecure"`
}

// Default returns the configuration used when nothing else is set.
func Default() *HostConfig {
	return &HostConfig{
		Host: HostInfo{
			Name: "pluginhost",
		},
		DataDir: DefaultDataDir,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sandbox: SandboxConfig{
			Engine: string(sandbox.EngineAuto),
		},
		Profile: "default",
		Grants: GrantStoreConfig{
			Backend: BackendSQLite,
			Path:    "grants.db",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "pluginhost:grants",
			},
		},
		FaultPolicy:     plugin.DefaultFaultExpression,
		CancelGrace:     plugin.DefaultCancelGrace,
		LoadParallelism: plugin.DefaultLoadParallelism,
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Telemetry: TelemetryConfig{
			Exporter: ExporterNone,
		},
	}
}

// Validate reports every problem in the configuration at once.
func (c *HostConfig) Validate() error {
	errs := NewErrorList()

	if strings.TrimSpace(c.DataDir) == "" {
		errs.AddValidation("data_dir", "must not be empty", "Set data_dir to a writable directory.")
	}
	if _, err := ports.ParseLevel(c.Log.Level); err != nil {
		errs.AddValidation("log.level", err.Error(), "Use debug, info, warn or error.")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs.AddValidation("log.format", fmt.Sprintf("unknown format %q", c.Log.Format), "Use text or json.")
	}

	sb := sandbox.Config{Engine: sandbox.Engine(c.Sandbox.Engine), MaxMemoryBytes: c.Sandbox.MaxMemoryBytes}
	if err := sb.Validate(); err != nil {
		errs.AddValidation("sandbox", err.Error(), "Engines are auto, interpreter and compiler.")
	}

	if _, ok := provider.LimitsForProfile(c.Profile); !ok {
		errs.AddValidation("profile", fmt.Sprintf("unknown profile %q", c.Profile), "Use default, restricted or trusted.")
	}
	if err := c.Limits.Validate(); err != nil {
		errs.AddValidation("limits", err.Error(), "")
	}

	for _, id := range c.PluginIDs() {
		pc := c.Plugins[id]
		if err := pc.Limits.Validate(); err != nil {
			errs.AddValidation(fmt.Sprintf("plugins.%s.limits", id), err.Error(), "")
		}
		for _, raw := range append(append([]string(nil), pc.Allow...), pc.Deny...) {
			if _, err := capability.Parse(raw); err != nil {
				errs.Add(NewCapabilityError(raw, err).WithContext(fmt.Sprintf("plugins.%s", id)))
			}
		}
	}

	switch c.Grants.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Grants.Path == "" {
			errs.AddValidation("grants.path", "required for the sqlite backend", "Set grants.path, e.g. grants.db.")
		}
	case BackendRedis:
		if c.Grants.Redis.Addr == "" {
			errs.AddValidation("grants.redis.addr", "required for the redis backend", "Set grants.redis.addr, e.g. localhost:6379.")
		}
	default:
		errs.AddValidation("grants.backend", fmt.Sprintf("unknown backend %q", c.Grants.Backend), "Use memory, sqlite or redis.")
	}

	if _, err := plugin.NewFaultPolicy(c.faultExpression()); err != nil {
		errs.AddValidation("fault_policy", err.Error(), "The expression must return one of \"ready\", \"suspended\" or \"failed\".")
	}
	if c.CancelGrace < 0 {
		errs.AddValidation("cancel_grace", "must not be negative", "")
	}
	if c.LoadParallelism < 0 {
		errs.AddValidation("load_parallelism", "must not be negative", "")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs.AddValidation("metrics.address", "required when metrics are enabled", "Set metrics.address, e.g. :9090.")
	}
	switch c.Telemetry.Exporter {
	case "", ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if c.Telemetry.OTLPEndpoint == "" {
			errs.AddValidation("telemetry.otlp_endpoint", "required for the otlp exporter", "Set telemetry.otlp_endpoint, e.g. localhost:4317.")
		}
	default:
		errs.AddValidation("telemetry.exporter", fmt.Sprintf("unknown exporter %q", c.Telemetry.Exporter), "Use none, stdout or otlp.")
	}

	return errs.AsError()
}

// PluginIDs returns the ids with a plugins section, sorted.
func (c *HostConfig) PluginIDs() []string {
	ids := make([]string, 0, len(c.Plugins))
	for id := range c.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BaseLimits returns the profile's limits with the limits section applied.
func (c *HostConfig) BaseLimits() provider.ResourceLimits {
	base, ok := provider.LimitsForProfile(c.Profile)
	if !ok {
		base = provider.DefaultLimits()
	}
	return base.Merge(c.Limits)
}

// PluginLimits returns the per-plugin limit overrides.
func (c *HostConfig) PluginLimits() map[string]provider.ResourceLimits {
	out := make(map[string]provider.ResourceLimits)
	for id, pc := range c.Plugins {
		if pc.Limits != (provider.ResourceLimits{}) {
			out[id] = pc.Limits
		}
	}
	return out
}

// SeedGrants returns the grants declared in the plugins sections. A
// capability listed under both allow and deny is denied.
func (c *HostConfig) SeedGrants(now time.Time) ([]capability.Grant, error) {
	var grants []capability.Grant
	for _, id := range c.PluginIDs() {
		pc := c.Plugins[id]
		denied := make(map[string]bool, len(pc.Deny))
		for _, raw := range pc.Deny {
			g, err := seedGrant(id, raw, capability.Denied, now)
			if err != nil {
				return nil, err
			}
			denied[g.Capability.String()] = true
			grants = append(grants, g)
		}
		for _, raw := range pc.Allow {
			g, err := seedGrant(id, raw, capability.Allowed, now)
			if err != nil {
				return nil, err
			}
			if denied[g.Capability.String()] {
				continue
			}
			grants = append(grants, g)
		}
	}
	return grants, nil
}

func seedGrant(pluginID, raw string, d capability.Decision, now time.Time) (capability.Grant, error) {
	c, err := capability.Parse(raw)
	if err != nil {
		return capability.Grant{}, NewCapabilityError(raw, err).WithContext(fmt.Sprintf("plugins.%s", pluginID))
	}
	g := capability.NewGrant(pluginID, c, d)
	g.GrantedAt = now.UTC()
	return g, nil
}

// Policy compiles the fault policy.
func (c *HostConfig) Policy() (*plugin.FaultPolicy, error) {
	return plugin.NewFaultPolicy(c.faultExpression())
}

func (c *HostConfig) faultExpression() string {
	if strings.TrimSpace(c.FaultPolicy) == "" {
		return plugin.DefaultFaultExpression
	}
	return c.FaultPolicy
}

// SandboxConfig returns the wazero provider configuration.
func (c *HostConfig) SandboxConfig() sandbox.Config {
	cfg := sandbox.DefaultConfig()
	if c.Sandbox.Engine != "" {
		cfg.Engine = sandbox.Engine(c.Sandbox.Engine)
	}
	if c.Sandbox.CacheDir != "" {
		cfg.CacheDir = c.Sandbox.CacheDir
	}
	if c.Sandbox.MaxMemoryBytes != 0 {
		cfg.MaxMemoryBytes = c.Sandbox.MaxMemoryBytes
	}
	return cfg
}
