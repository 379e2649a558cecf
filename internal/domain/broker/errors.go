package broker

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

// DeniedError reports a host call rejected by the broker. It matches
// provider.ErrPermissionDenied with errors.Is.
type DeniedError struct {
	PluginID   string
	Function   string
	Capability capability.Capability
	// Err is set when the capability could not be derived from the payload.
	Err error
}

func (e *DeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin %q: %s denied: %v", e.PluginID, e.Function, e.Err)
	}
	return fmt.Sprintf("plugin %q: %s denied: %s not granted", e.PluginID, e.Function, e.Capability)
}

// Is matches provider.ErrPermissionDenied.
func (e *DeniedError) Is(target error) bool {
	return target == provider.ErrPermissionDenied
}

func (e *DeniedError) Unwrap() error {
	return e.Err
}

// IsDenied checks if err is a broker denial.
func IsDenied(err error) bool {
	var de *DeniedError
	return errors.As(err, &de)
}
