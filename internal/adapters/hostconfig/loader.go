// Package hostconfig loads the host configuration from defaults, a YAML or
// TOML file, PLUGINHOST_ environment variables and explicit overrides, in
// that order of precedence.
package hostconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// levels: PLUGINHOST_LIMITS__MAX_STEPS sets limits.max_steps.
const EnvPrefix = "PLUGINHOST_"

// DefaultFileNames are tried in order when no path is given.
var DefaultFileNames = []string{"pluginhost.yaml", "pluginhost.yml", "pluginhost.toml"}

// Options controls a Load.
type Options struct {
	// Path is the config file. Empty searches Dir for DefaultFileNames and
	// continues with defaults when none exists.
	Path string
	// Dir is searched when Path is empty. Defaults to the working directory.
	Dir string
	// EnvPrefix overrides EnvPrefix.
	EnvPrefix string
	// Overrides are applied last, keyed by koanf path such as "log.level".
	Overrides map[string]interface{}
}

// Result is a loaded configuration and the file it came from, if any.
type Result struct {
	Config *config.HostConfig
	File   string
}

// Load builds the host configuration and validates it.
func Load(opts Options) (*Result, error) {
	k := koanf.New(".")

	if err := k.Load(defaultsProvider{}, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	path, err := resolvePath(opts)
	if err != nil {
		return nil, err
	}
	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			if isYAML(path) {
				return nil, config.NewYAMLParseError(path, err)
			}
			return nil, config.NewConfigParseError(path, err)
		}
	}

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	if err := k.Load(env.Provider(prefix, ".", envKey(prefix)), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range opts.Overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("failed to apply override %s: %w", key, err)
		}
	}

	var cfg config.HostConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, config.NewConfigParseError(path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Result{Config: &cfg, File: path}, nil
}

// envKey maps PLUGINHOST_GRANTS__REDIS__ADDR to grants.redis.addr.
func envKey(prefix string) func(string) string {
	return func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, prefix)), "__", ".")
	}
}

func resolvePath(opts Options) (string, error) {
	if opts.Path != "" {
		if _, err := os.Stat(opts.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", config.NewConfigNotFoundError(opts.Path)
			}
			return "", config.NewConfigParseError(opts.Path, err)
		}
		return opts.Path, nil
	}

	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	for _, name := range DefaultFileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		// JSON is a subset of YAML.
		return yaml.Parser(), nil
	case ".toml":
		return tomlParser{}, nil
	default:
		return nil, config.NewUserError(config.ErrCodeConfigInvalid, fmt.Sprintf("unsupported config format %q", ext)).
			WithContext(path).
			WithSuggestion("Use a .yaml, .yml, .json or .toml file.")
	}
}

// defaultsProvider feeds config.Default to koanf as YAML.
type defaultsProvider struct{}

func (defaultsProvider) ReadBytes() ([]byte, error) {
	return yamlv3.Marshal(config.Default())
}

func (defaultsProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("defaults provider does not support Read")
}

// Write saves cfg as YAML, for `pluginhost init`.
func Write(path string, cfg *config.HostConfig) error {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
