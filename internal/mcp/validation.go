package mcp

import (
	"fmt"

	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
)

// maxArgs bounds the argument list an agent may pass to one invocation.
const maxArgs = 64

func validatePluginID(id string) error {
	if id == "" {
		return fmt.Errorf("plugin_id is required")
	}
	if !plugin.IsValidID(id) {
		return fmt.Errorf("invalid plugin_id %q: must contain only letters, digits, '-' and '_'", id)
	}
	return nil
}

// ValidatePluginInput validates PluginInput fields.
func ValidatePluginInput(in *PluginInput) error {
	return validatePluginID(in.PluginID)
}

// ValidateInvokeInput validates InvokeInput fields.
func ValidateInvokeInput(in *InvokeInput) error {
	if err := validatePluginID(in.PluginID); err != nil {
		return err
	}
	if in.Export == "" {
		return fmt.Errorf("export is required")
	}
	if len(in.Args) > maxArgs {
		return fmt.Errorf("too many args: %d (max %d)", len(in.Args), maxArgs)
	}
	return nil
}

// ValidateGrantsInput validates GrantsInput fields.
func ValidateGrantsInput(in *GrantsInput) error {
	if in.PluginID == "" {
		return nil
	}
	return validatePluginID(in.PluginID)
}

// ValidateReloadInput validates ReloadInput fields.
func ValidateReloadInput(in *ReloadInput) error {
	return validatePluginID(in.PluginID)
}
