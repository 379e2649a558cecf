package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for programmatic error handling.
var (
	// ErrPluginNotFound indicates no plugin is loaded under the id.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrPluginNotReady indicates the plugin cannot accept invocations.
	ErrPluginNotReady = errors.New("plugin not ready")
	// ErrPluginExists indicates a plugin with the id is already loaded.
	ErrPluginExists = errors.New("plugin already loaded")
	// ErrUnloading indicates the plugin is being unloaded.
	ErrUnloading = errors.New("plugin is unloading")
	// ErrManagerClosed indicates the manager has been closed.
	ErrManagerClosed = errors.New("plugin manager closed")
	// ErrNoBundles indicates LoadAll was given nothing to load.
	ErrNoBundles = errors.New("no plugin bundles")
)

// ValidationError collects multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Errors, "; "))
}

// Add adds an error message to the collection.
func (e *ValidationError) Add(msg string) {
	e.Errors = append(e.Errors, msg)
}

// Addf adds a formatted error message to the collection.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are validation errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// LifecycleError reports an operation rejected because of a plugin's
// lifecycle state. Err is one of the sentinel errors above.
type LifecycleError struct {
	Op       string
	PluginID string
	State    State
	Err      error
}

func (e *LifecycleError) Error() string {
	switch {
	case errors.Is(e.Err, ErrPluginNotFound):
		return fmt.Sprintf("%s: plugin %q not found, load the plugin first", e.Op, e.PluginID)
	case e.State != "":
		return fmt.Sprintf("%s: plugin %q is %s: %v", e.Op, e.PluginID, e.State, e.Err)
	default:
		return fmt.Sprintf("%s: plugin %q: %v", e.Op, e.PluginID, e.Err)
	}
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// ChecksumError indicates a checksum verification failure.
type ChecksumError struct {
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// LoadFailure records a bundle that LoadAll could not load.
type LoadFailure struct {
	PluginID string
	Err      error
}

func (f LoadFailure) Error() string {
	if f.PluginID == "" {
		return fmt.Sprintf("loading plugin: %v", f.Err)
	}
	return fmt.Sprintf("loading plugin %q: %v", f.PluginID, f.Err)
}

func (f LoadFailure) Unwrap() error {
	return f.Err
}

// IsValidationError returns true if the error is a validation error.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsLifecycleError returns true if the error is a lifecycle error.
func IsLifecycleError(err error) bool {
	var lifecycleErr *LifecycleError
	return errors.As(err, &lifecycleErr)
}

// IsNotFound returns true if the plugin is not loaded.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPluginNotFound)
}

// IsNotReady returns true if the plugin cannot accept invocations.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrPluginNotReady) || errors.Is(err, ErrUnloading)
}

// IsPluginExists returns true if the error indicates a plugin already exists.
func IsPluginExists(err error) bool {
	return errors.Is(err, ErrPluginExists)
}

// IsChecksumError returns true if the error is a checksum verification failure.
func IsChecksumError(err error) bool {
	var checksumErr *ChecksumError
	return errors.As(err, &checksumErr)
}
