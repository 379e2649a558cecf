// Package sandbox provides the WASM implementation of the provider contract,
// built on wazero. Each instance gets its own runtime so memory limits and
// teardown are scoped to a single plugin.
package sandbox

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// ProviderName is the name the WASM provider registers under.
const ProviderName = "wasm"

// HostModuleName is the import module plugins use for host functions.
const HostModuleName = "pluginhost"

// Host call result codes returned to sandboxed code. Non-negative results
// are the number of bytes written to the output buffer.
const (
	CodeDenied      int32 = -1
	CodeHostError   int32 = -2
	CodeTooSmall    int32 = -3
	CodeRateLimited int32 = -4
)

// wasmPageSize is the size of one WebAssembly memory page.
const wasmPageSize = 65536

// Sandbox errors.
var (
	ErrProviderClosed   = errors.New("wasm provider closed")
	ErrStepBudget       = errors.New("execution step budget exceeded")
	ErrCallDepth        = errors.New("call depth limit exceeded")
	ErrTimeout          = errors.New("execution time budget exceeded")
	ErrForeignImport    = errors.New("import from unsupported module")
	ErrMemoryOverBudget = errors.New("initial memory exceeds limit")
)

// Engine selects the wazero execution engine.
type Engine string

// Engines.
const (
	EngineAuto        Engine = "auto"
	EngineInterpreter Engine = "interpreter"
	EngineCompiler    Engine = "compiler"
)

// Config holds provider-wide settings.
type Config struct {
	// Engine selects interpreter or compiler; auto picks the compiler
	// where the platform supports it.
	Engine Engine

	// MaxMemoryBytes caps any instance's memory regardless of its limits.
	MaxMemoryBytes uint64

	// CacheDir enables an on-disk compilation cache when set.
	CacheDir string

	// Logger receives host call failures; nil discards them.
	Logger ports.Logger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Engine:         EngineAuto,
		MaxMemoryBytes: 512 * 1024 * 1024, // 512 MB
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Engine {
	case "", EngineAuto, EngineInterpreter, EngineCompiler:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if c.MaxMemoryBytes > 0 && c.MaxMemoryBytes < wasmPageSize {
		return fmt.Errorf("max memory %d is below one wasm page", c.MaxMemoryBytes)
	}
	return nil
}

// memoryPages converts a byte budget to whole pages, clamped to [1, 65536].
func memoryPages(bytes uint64) uint32 {
	pages := bytes / wasmPageSize
	switch {
	case pages < 1:
		return 1
	case pages > 65536:
		return 65536
	default:
		return uint32(pages)
	}
}
