package provider

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned to sandboxed code when a host call is
// rejected by the permission broker.
var ErrPermissionDenied = errors.New("permission denied")

// ErrHandleClosed is returned when a torn-down handle is used.
var ErrHandleClosed = errors.New("sandbox handle closed")

// ErrRateLimited is returned when an instance exceeds its host-call rate.
var ErrRateLimited = errors.New("host call rate limit exceeded")

// LoadReason classifies a LoadError.
type LoadReason string

// Load reasons.
const (
	LoadMalformed   LoadReason = "malformed"
	LoadUnsupported LoadReason = "unsupported"
	LoadLimit       LoadReason = "limit"
)

// LoadError is returned when a binary cannot be validated or compiled.
type LoadError struct {
	Reason LoadReason
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load failed (%s): %v", e.Reason, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// InstantiateReason classifies an InstantiateError.
type InstantiateReason string

// Instantiate reasons.
const (
	InstantiateLimit  InstantiateReason = "limit"
	InstantiateLink   InstantiateReason = "link"
	InstantiateStart  InstantiateReason = "start"
	InstantiateClosed InstantiateReason = "closed"
)

// InstantiateError is returned when an isolated instance cannot be created.
type InstantiateError struct {
	Reason InstantiateReason
	Err    error
}

func (e *InstantiateError) Error() string {
	return fmt.Sprintf("instantiate failed (%s): %v", e.Reason, e.Err)
}

func (e *InstantiateError) Unwrap() error {
	return e.Err
}

// InvokeKind classifies an InvokeError.
type InvokeKind string

// Invoke error kinds.
const (
	KindTrapped           InvokeKind = "trapped"
	KindResourceExhausted InvokeKind = "resource_exhausted"
	KindNoSuchExport      InvokeKind = "no_such_export"
	KindArgumentEncoding  InvokeKind = "argument_encoding"
	KindCanceled          InvokeKind = "canceled"
)

// InvokeError is returned when a call into the sandbox does not complete.
// Fatal marks errors after which the instance must not be used again.
type InvokeError struct {
	Kind   InvokeKind
	Export string
	Fatal  bool
	Err    error
}

func (e *InvokeError) Error() string {
	msg := fmt.Sprintf("invoke %q: %s", e.Export, e.Kind)
	if e.Fatal {
		msg += " (fatal)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvokeError) Unwrap() error {
	return e.Err
}

// NewInvokeError creates an InvokeError.
func NewInvokeError(kind InvokeKind, export string, err error) *InvokeError {
	return &InvokeError{Kind: kind, Export: export, Err: err}
}

// AsInvokeError extracts an InvokeError from the chain.
func AsInvokeError(err error) (*InvokeError, bool) {
	var ie *InvokeError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// IsInvokeKind checks if err is an InvokeError of the given kind.
func IsInvokeKind(err error, kind InvokeKind) bool {
	ie, ok := AsInvokeError(err)
	return ok && ie.Kind == kind
}

// IsLoadError checks if an error is a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// IsInstantiateError checks if an error is an InstantiateError.
func IsInstantiateError(err error) bool {
	var ie *InstantiateError
	return errors.As(err, &ie)
}
