package hostconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	res, err := Load(Options{Dir: t.TempDir(), EnvPrefix: "PHTEST_DEFAULTS_"})
	require.NoError(t, err)
	assert.Empty(t, res.File)

	want := config.Default()
	want.Plugins = res.Config.Plugins
	assert.Equal(t, want, res.Config)
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "pluginhost.yaml", `
host:
  name: editor
data_dir: /var/lib/editor
profile: restricted
limits:
  timeout: 5s
  max_steps: 1000
plugins:
  echo:
    allow: ["filesystem-read:/data"]
    limits:
      host_call_burst: 4
grants:
  backend: redis
  redis:
    addr: cache:6379
    db: 2
cancel_grace: 250ms
`)

	res, err := Load(Options{Dir: dir, EnvPrefix: "PHTEST_YAML_"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pluginhost.yaml"), res.File)

	cfg := res.Config
	assert.Equal(t, "editor", cfg.Host.Name)
	assert.Equal(t, "/var/lib/editor", cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.Limits.Timeout)
	assert.Equal(t, uint64(1000), cfg.Limits.MaxSteps)
	assert.Equal(t, []string{"filesystem-read:/data"}, cfg.Plugins["echo"].Allow)
	assert.Equal(t, provider.ResourceLimits{HostCallBurst: 4}, cfg.Plugins["echo"].Limits)
	assert.Equal(t, config.BackendRedis, cfg.Grants.Backend)
	assert.Equal(t, "cache:6379", cfg.Grants.Redis.Addr)
	assert.Equal(t, 2, cfg.Grants.Redis.DB)
	assert.Equal(t, "pluginhost:grants", cfg.Grants.Redis.KeyPrefix)
	assert.Equal(t, 250*time.Millisecond, cfg.CancelGrace)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_TOML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "host.toml", `
profile = "trusted"

[log]
level = "debug"
format = "json"

[telemetry]
exporter = "otlp"
otlp_endpoint = "collector:4317"
otlp_insecure = true
`)

	res, err := Load(Options{Path: path, EnvPrefix: "PHTEST_TOML_"})
	require.NoError(t, err)

	cfg := res.Config
	assert.Equal(t, "trusted", cfg.Profile)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, config.ExporterOTLP, cfg.Telemetry.Exporter)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.OTLPInsecure)
}

func TestLoad_EnvAndOverrides(t *testing.T) {
	t.Setenv("PHTEST_ENV_LOG__LEVEL", "warn")
	t.Setenv("PHTEST_ENV_LIMITS__MAX_STEPS", "77")
	t.Setenv("PHTEST_ENV_METRICS__ENABLED", "true")

	dir := t.TempDir()
	writeFile(t, dir, "pluginhost.yaml", "log:\n  level: debug\n")

	res, err := Load(Options{
		Dir:       dir,
		EnvPrefix: "PHTEST_ENV_",
		Overrides: map[string]interface{}{"log.format": "json"},
	})
	require.NoError(t, err)

	cfg := res.Config
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, uint64(77), cfg.Limits.MaxSteps)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name string
		path string
		code string
	}{
		{"missing file", filepath.Join(dir, "nope.yaml"), config.ErrCodeConfigNotFound},
		{"bad yaml", writeFile(t, dir, "bad.yaml", "log: [unclosed\n"), config.ErrCodeConfigParse},
		{"bad toml", writeFile(t, dir, "bad.toml", "profile = \n"), config.ErrCodeConfigParse},
		{"format", writeFile(t, dir, "host.ini", "x=1\n"), config.ErrCodeConfigInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(Options{Path: tt.path, EnvPrefix: "PHTEST_ERR_"})
			require.Error(t, err)
			assert.True(t, config.IsUserError(err, tt.code), err.Error())
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "pluginhost.yml", "profile: yolo\ngrants:\n  backend: etcd\n")

	_, err := Load(Options{Path: path, EnvPrefix: "PHTEST_INVALID_"})
	var list *config.ErrorList
	require.ErrorAs(t, err, &list)
	assert.Equal(t, 2, list.Len())
}

func TestWrite_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Host.Name = "roundtrip"
	cfg.Limits.Timeout = 3 * time.Second
	cfg.Plugins = map[string]config.PluginConfig{"echo": {
		Allow: []string{"filesystem-read:/data"},
		Deny:  []string{"network-connect:api.example.com:443"},
	}}

	path := filepath.Join(dir, "nested", "pluginhost.yaml")
	require.NoError(t, Write(path, cfg))

	res, err := Load(Options{Path: path, EnvPrefix: "PHTEST_WRITE_"})
	require.NoError(t, err)
	assert.Equal(t, cfg, res.Config)
}
