package config

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorization.
const (
	ErrCodeConfigNotFound   = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    = "CONFIG_INVALID"
	ErrCodeConfigParse      = "CONFIG_PARSE"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodePluginNotFound   = "PLUGIN_NOT_FOUND"
	ErrCodePluginNotReady   = "PLUGIN_NOT_READY"
	ErrCodeBundleInvalid    = "BUNDLE_INVALID"
	ErrCodeBundleExists     = "BUNDLE_EXISTS"
	ErrCodeCapabilityParse  = "CAPABILITY_INVALID"
	ErrCodeGrantStore       = "GRANT_STORE"
)

// UserError represents a user-friendly error with actionable suggestions.
type UserError struct {
	Code       string // Error code for categorization (e.g., "CONFIG_NOT_FOUND")
	Message    string // User-friendly error message
	Context    string // File path, plugin id, or other location context
	Suggestion string // Actionable suggestion to fix the error
	Underlying error  // Wrapped error for error chain
}

// Error returns the formatted error message.
func (e *UserError) Error() string {
	var b strings.Builder

	b.WriteString(e.Message)
	if e.Context != "" {
		fmt.Fprintf(&b, " (at %s)", e.Context)
	}

	return b.String()
}

// Unwrap returns the underlying error for error chain support.
func (e *UserError) Unwrap() error {
	return e.Underlying
}

// Is supports errors.Is() for comparing error codes.
func (e *UserError) Is(target error) bool {
	if t, ok := target.(*UserError); ok {
		return e.Code == t.Code
	}
	return false
}

// Format returns a fully formatted error with all details.
func (e *UserError) Format() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if e.Context != "" {
		fmt.Fprintf(&b, "\n  Location: %s", e.Context)
	}
	if e.Underlying != nil {
		fmt.Fprintf(&b, "\n  Cause: %v", e.Underlying)
	}
	if e.Suggestion != "" {
		fmt.Fprintf(&b, "\n  Suggestion: %s", e.Suggestion)
	}

	return b.String()
}

// NewUserError creates a new UserError with the given code and message.
func NewUserError(code, message string) *UserError {
	return &UserError{
		Code:    code,
		Message: message,
	}
}

// WithContext returns a copy with context set.
func (e *UserError) WithContext(ctx string) *UserError {
	c := *e
	c.Context = ctx
	return &c
}

// WithSuggestion returns a copy with suggestion set.
func (e *UserError) WithSuggestion(suggestion string) *UserError {
	c := *e
	c.Suggestion = suggestion
	return &c
}

// WithUnderlying returns a copy wrapping another error.
func (e *UserError) WithUnderlying(err error) *UserError {
	c := *e
	c.Underlying = err
	return &c
}

// ErrorList accumulates multiple errors for comprehensive reporting.
type ErrorList struct {
	errors []*UserError
}

// NewErrorList creates an empty ErrorList.
func NewErrorList() *ErrorList {
	return &ErrorList{
		errors: make([]*UserError, 0),
	}
}

// Add adds an error to the list.
func (l *ErrorList) Add(err *UserError) {
	if err != nil {
		l.errors = append(l.errors, err)
	}
}

// AddValidation adds a validation error to the list.
func (l *ErrorList) AddValidation(field, message, suggestion string) {
	l.Add(&UserError{
		Code:       ErrCodeValidationFailed,
		Message:    fmt.Sprintf("%s: %s", field, message),
		Context:    field,
		Suggestion: suggestion,
	})
}

// HasErrors returns true if there are any errors.
func (l *ErrorList) HasErrors() bool {
	return len(l.errors) > 0
}

// Len returns the number of errors.
func (l *ErrorList) Len() int {
	return len(l.errors)
}

// Errors returns the list of errors.
func (l *ErrorList) Errors() []*UserError {
	result := make([]*UserError, len(l.errors))
	copy(result, l.errors)
	return result
}

// Error implements the error interface for ErrorList.
func (l *ErrorList) Error() string {
	if len(l.errors) == 0 {
		return ""
	}
	if len(l.errors) == 1 {
		return l.errors[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d errors occurred:\n", len(l.errors))
	for i, err := range l.errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err.Error())
	}
	return b.String()
}

// Format returns a detailed formatted output of all errors.
func (l *ErrorList) Format() string {
	if len(l.errors) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d error(s):\n", len(l.errors))
	for i, err := range l.errors {
		fmt.Fprintf(&b, "\n--- Error %d ---\n", i+1)
		b.WriteString(err.Format())
		b.WriteString("\n")
	}
	return b.String()
}

// AsError returns the ErrorList as an error, or nil if empty.
func (l *ErrorList) AsError() error {
	if !l.HasErrors() {
		return nil
	}
	return l
}

// Common user-friendly error constructors.

// NewConfigNotFoundError creates an error for a missing config file.
func NewConfigNotFoundError(path string) *UserError {
	return &UserError{
		Code:       ErrCodeConfigNotFound,
		Message:    fmt.Sprintf("configuration file not found: %s", path),
		Context:    path,
		Suggestion: "Check the --config path, or omit it to run with defaults.",
	}
}

// NewConfigParseError creates an error for config parsing failures.
func NewConfigParseError(path string, err error) *UserError {
	return &UserError{
		Code:       ErrCodeConfigParse,
		Message:    "failed to parse configuration file",
		Context:    path,
		Suggestion: "Check the file syntax. YAML files end in .yaml or .yml, TOML files in .toml.",
		Underlying: err,
	}
}

// NewValidationFailedError creates a validation error.
func NewValidationFailedError(field, message string) *UserError {
	return &UserError{
		Code:    ErrCodeValidationFailed,
		Message: fmt.Sprintf("validation failed for '%s': %s", field, message),
		Context: field,
	}
}

// NewPluginNotFoundError creates an error for a plugin that is not loaded or
// installed.
func NewPluginNotFoundError(id string, available []string) *UserError {
	suggestion := "Install the plugin with 'pluginhost install <dir>' first."
	if len(available) > 0 {
		suggestion = fmt.Sprintf("Installed plugins: %s", strings.Join(available, ", "))
	}
	return &UserError{
		Code:       ErrCodePluginNotFound,
		Message:    fmt.Sprintf("plugin '%s' not found", id),
		Suggestion: suggestion,
	}
}

// NewPluginNotReadyError creates an error for a plugin that cannot accept
// invocations.
func NewPluginNotReadyError(id, state string, err error) *UserError {
	return &UserError{
		Code:       ErrCodePluginNotReady,
		Message:    fmt.Sprintf("plugin '%s' is %s", id, state),
		Suggestion: fmt.Sprintf("Reload the plugin with: pluginhost reload %s", id),
		Underlying: err,
	}
}

// NewBundleInvalidError creates an error for a bundle that cannot be loaded.
func NewBundleInvalidError(path string, err error) *UserError {
	return &UserError{
		Code:       ErrCodeBundleInvalid,
		Message:    "plugin bundle is invalid",
		Context:    path,
		Suggestion: "A bundle is a directory with plugin.yaml and the module it names (main.wasm by default).",
		Underlying: err,
	}
}

// NewBundleExistsError creates an error for installing over an existing
// bundle.
func NewBundleExistsError(id, path string) *UserError {
	return &UserError{
		Code:       ErrCodeBundleExists,
		Message:    fmt.Sprintf("plugin '%s' is already installed", id),
		Context:    path,
		Suggestion: fmt.Sprintf("Run 'pluginhost uninstall %s' first.", id),
	}
}

// NewCapabilityError creates an error for an unparsable capability.
func NewCapabilityError(raw string, err error) *UserError {
	return &UserError{
		Code:       ErrCodeCapabilityParse,
		Message:    fmt.Sprintf("invalid capability '%s'", raw),
		Suggestion: "Capabilities look like filesystem-read:/data, network-connect:api.example.com:443 or host-api-call:kv.get.",
		Underlying: err,
	}
}

// NewGrantStoreError creates an error for grant storage failures.
func NewGrantStoreError(backend string, err error) *UserError {
	return &UserError{
		Code:       ErrCodeGrantStore,
		Message:    fmt.Sprintf("grant store %s failed", backend),
		Suggestion: "Check the grants section of the configuration.",
		Underlying: err,
	}
}

// IsUserError checks if an error is a UserError with a specific code.
func IsUserError(err error, code string) bool {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Code == code
	}
	return false
}

// GetUserError extracts a UserError from an error chain, if present.
func GetUserError(err error) *UserError {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue
	}
	return nil
}

// NewYAMLParseError translates technical YAML errors into user-friendly messages.
func NewYAMLParseError(path string, err error) *UserError {
	errStr := err.Error()
	var message, suggestion string

	switch {
	case strings.Contains(errStr, "cannot unmarshal !!seq into map"):
		message = "expected an object but found a list"
		suggestion = "Check that you're using 'key: value' format instead of '- item' list format."

	case strings.Contains(errStr, "cannot unmarshal !!map into []string"):
		message = "expected a list but found an object"
		suggestion = `Capabilities are a list of strings:
  allow:
    - filesystem-read:/data`

	case strings.Contains(errStr, "did not find expected key"):
		message = "missing required field or incorrect indentation"
		suggestion = "YAML is sensitive to indentation. Use 2 spaces (not tabs) for each level."

	case strings.Contains(errStr, "mapping values are not allowed"):
		message = "invalid YAML structure"
		suggestion = "Check for missing colons after keys, or incorrect indentation."

	case strings.Contains(errStr, "found character that cannot start"):
		message = "invalid character in YAML"
		suggestion = "Quote string values that contain special characters like ':', '#', or '{'."

	default:
		message = "invalid YAML syntax"
		suggestion = "Check your YAML syntax. Common issues: incorrect indentation, missing colons, or unquoted special characters."
	}

	context := path
	if _, after, ok := strings.Cut(errStr, "line "); ok {
		line, _, _ := strings.Cut(after, ":")
		context = fmt.Sprintf("%s (line %s)", path, line)
	}

	return &UserError{
		Code:       ErrCodeConfigParse,
		Message:    message,
		Context:    context,
		Suggestion: suggestion,
		Underlying: err,
	}
}
