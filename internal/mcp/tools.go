// Package mcp exposes a plugin host to AI agents over the Model Context
// Protocol. Agents can inspect loaded plugins, read recorded grants and
// invoke exports; they cannot record or revoke grants.
package mcp

import (
	"context"
	"sort"
	"time"

	"github.com/felixgeelhaar/mcp-go"

	"github.com/felixgeelhaar/pluginhost/internal/app"
	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

// VersionInfo contains version metadata for the MCP server.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// StatusInput is the input for the pluginhost_status tool.
type StatusInput struct{}

// StatusOutput is the output for the pluginhost_status tool.
type StatusOutput struct {
	Host        string           `json:"host"`
	Version     string           `json:"version"`
	Commit      string           `json:"commit"`
	BuildDate   string           `json:"build_date"`
	Plugins     []plugin.Summary `json:"plugins"`
	FailedLoads []FailedLoad     `json:"failed_loads,omitempty"`
}

// FailedLoad describes a bundle that did not load.
type FailedLoad struct {
	PluginID string `json:"plugin_id,omitempty"`
	Error    string `json:"error"`
}

// PluginInput is the input for the pluginhost_plugin tool.
type PluginInput struct {
	PluginID string `json:"plugin_id" jsonschema:"required,description=ID of a loaded plugin"`
}

// PluginOutput is the output for the pluginhost_plugin tool.
type PluginOutput struct {
	plugin.Summary
	Exports []Export `json:"exports"`
}

// Export is a declared entry point and its signature.
type Export struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

// InvokeInput is the input for the pluginhost_invoke tool.
type InvokeInput struct {
	PluginID string   `json:"plugin_id" jsonschema:"required,description=ID of a loaded plugin"`
	Export   string   `json:"export" jsonschema:"required,description=Export to call"`
	Args     []string `json:"args,omitempty" jsonschema:"description=Arguments in the export's declared order (decimal or 0x-prefixed integers, floats)"`
}

// InvokeOutput is the output for the pluginhost_invoke tool.
type InvokeOutput struct {
	PluginID string           `json:"plugin_id"`
	Export   string           `json:"export"`
	Results  []provider.Value `json:"results"`
	Duration string           `json:"duration"`
}

// GrantsInput is the input for the pluginhost_grants tool.
type GrantsInput struct {
	PluginID string `json:"plugin_id,omitempty" jsonschema:"description=Only show grants for this plugin"`
}

// GrantsOutput is the output for the pluginhost_grants tool.
type GrantsOutput struct {
	Grants []GrantView `json:"grants"`
}

// GrantView is a recorded capability decision.
type GrantView struct {
	PluginID   string `json:"plugin_id"`
	Capability string `json:"capability"`
	Decision   string `json:"decision"`
	GrantedAt  string `json:"granted_at"`
}

// ReloadInput is the input for the pluginhost_reload tool.
type ReloadInput struct {
	PluginID string `json:"plugin_id" jsonschema:"required,description=ID of a loaded plugin"`
	Confirm  bool   `json:"confirm" jsonschema:"required,description=Must be true to reload (in-flight state is discarded)"`
}

// ReloadOutput is the output for the pluginhost_reload tool.
type ReloadOutput struct {
	PluginID string `json:"plugin_id"`
	Reloaded bool   `json:"reloaded"`
	State    string `json:"state,omitempty"`
	Message  string `json:"message,omitempty"`
}

// RegisterAll registers every pluginhost tool on srv.
func RegisterAll(srv *mcp.Server, host *app.Host, versionInfo VersionInfo) {
	registerStatusTool(srv, host, versionInfo)
	registerPluginTool(srv, host)
	registerInvokeTool(srv, host)
	registerGrantsTool(srv, host)
	registerReloadTool(srv, host)
}

func registerStatusTool(srv *mcp.Server, host *app.Host, versionInfo VersionInfo) {
	srv.Tool("pluginhost_status").
		Description("Show the host's identity and every loaded plugin with its lifecycle state, invocation count and faults.").
		ReadOnly().
		Handler(func(_ context.Context, _ StatusInput) (*StatusOutput, error) {
			out := &StatusOutput{
				Host:      host.Config().Host.Name,
				Version:   versionInfo.Version,
				Commit:    versionInfo.Commit,
				BuildDate: versionInfo.BuildDate,
				Plugins:   host.Manager().ListPlugins(),
			}
			if out.Plugins == nil {
				out.Plugins = []plugin.Summary{}
			}
			for _, f := range host.Manager().FailedLoads() {
				out.FailedLoads = append(out.FailedLoads, FailedLoad{PluginID: f.PluginID, Error: f.Err.Error()})
			}
			return out, nil
		})
}

func registerPluginTool(srv *mcp.Server, host *app.Host) {
	srv.Tool("pluginhost_plugin").
		Description("Describe a loaded plugin: its exports with their signatures and the capabilities it was granted or denied.").
		ReadOnly().
		Handler(func(_ context.Context, in PluginInput) (*PluginOutput, error) {
			if err := ValidatePluginInput(&in); err != nil {
				return nil, err
			}
			summary, err := host.Manager().Plugin(in.PluginID)
			if err != nil {
				return nil, err
			}
			out := &PluginOutput{Summary: summary, Exports: make([]Export, 0, len(summary.Exports))}
			for name, sig := range summary.Exports {
				out.Exports = append(out.Exports, Export{Name: name, Signature: sig.String()})
			}
			sort.Slice(out.Exports, func(i, j int) bool { return out.Exports[i].Name < out.Exports[j].Name })
			return out, nil
		})
}

func registerInvokeTool(srv *mcp.Server, host *app.Host) {
	srv.Tool("pluginhost_invoke").
		Description("Call an export of a loaded plugin. The plugin runs in its sandbox with only the capabilities it was granted.").
		Handler(func(ctx context.Context, in InvokeInput) (*InvokeOutput, error) {
			if err := ValidateInvokeInput(&in); err != nil {
				return nil, err
			}
			start := time.Now()
			results, err := host.Invoke(ctx, in.PluginID, in.Export, in.Args)
			if err != nil {
				return nil, err
			}
			if results == nil {
				results = []provider.Value{}
			}
			return &InvokeOutput{
				PluginID: in.PluginID,
				Export:   in.Export,
				Results:  results,
				Duration: time.Since(start).Round(time.Microsecond).String(),
			}, nil
		})
}

func registerGrantsTool(srv *mcp.Server, host *app.Host) {
	srv.Tool("pluginhost_grants").
		Description("List recorded capability decisions, optionally for one plugin. Capabilities without a decision are denied.").
		ReadOnly().
		Handler(func(ctx context.Context, in GrantsInput) (*GrantsOutput, error) {
			if err := ValidateGrantsInput(&in); err != nil {
				return nil, err
			}
			grants, err := host.Grants(ctx, in.PluginID)
			if err != nil {
				return nil, err
			}
			out := &GrantsOutput{Grants: make([]GrantView, 0, len(grants))}
			for _, g := range grants {
				out.Grants = append(out.Grants, GrantView{
					PluginID:   g.PluginID,
					Capability: g.Capability.String(),
					Decision:   g.Decision.String(),
					GrantedAt:  g.GrantedAt.UTC().Format(time.RFC3339),
				})
			}
			return out, nil
		})
}

func registerReloadTool(srv *mcp.Server, host *app.Host) {
	srv.Tool("pluginhost_reload").
		Description("Reload a plugin with freshly resolved grants. Recovers suspended and failed plugins. REQUIRES confirm=true.").
		Destructive().
		Handler(func(ctx context.Context, in ReloadInput) (*ReloadOutput, error) {
			if err := ValidateReloadInput(&in); err != nil {
				return nil, err
			}
			if !in.Confirm {
				return &ReloadOutput{
					PluginID: in.PluginID,
					Message:  "Set confirm=true to reload the plugin",
				}, nil
			}

			id, err := host.Manager().ReloadPlugin(ctx, in.PluginID)
			if err != nil {
				return nil, err
			}
			state, err := host.Manager().State(id)
			if err != nil {
				return nil, err
			}
			return &ReloadOutput{PluginID: id, Reloaded: true, State: string(state)}, nil
		})
}
