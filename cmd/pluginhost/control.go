package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/pluginhost/internal/adapters/ipc"
	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
)

var (
	statusJSON    bool
	invokeJSON    bool
	invokeTimeout time.Duration
	stopTimeout   time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running host's status",
	Long: `Display whether a host is serving the control socket of the data
directory, with its process id and plugin counts.

Examples:
  pluginhost status
  pluginhost status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <plugin> <export> [args...]",
	Short: "Call an export of a plugin loaded by the running host",
	Long: `Call an export of a plugin loaded by the running host. Arguments are
parsed by the export's declared parameter types.

Examples:
  pluginhost invoke calc add 2 3
  pluginhost invoke slow work --timeout 5s`,
	Args: cobra.MinimumNArgs(2),
	RunE: runInvoke,
}

var reloadCmd = &cobra.Command{
	Use:   "reload <plugin>",
	Short: "Reload a plugin in the running host",
	Long: `Unload a plugin and load the same bundle again with freshly resolved
grants. This is the way out of the suspended and failed states.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPluginControl(cmd, args[0], "Reloaded", (*ipc.Client).Reload)
	},
}

var unloadCmd = &cobra.Command{
	Use:   "unload <plugin>",
	Short: "Unload a plugin from the running host",
	Long:  `Unload a plugin, waiting for in-flight invocations to finish.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPluginControl(cmd, args[0], "Unloaded", (*ipc.Client).Unload)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running host",
	Long: `Ask the running host to unload its plugins and exit.

Examples:
  pluginhost stop
  pluginhost stop --timeout 5s`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(unloadCmd)
	rootCmd.AddCommand(stopCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	invokeCmd.Flags().BoolVar(&invokeJSON, "json", false, "Output results as JSON")
	invokeCmd.Flags().DurationVar(&invokeTimeout, "timeout", ipc.DefaultInvokeTimeout, "Maximum time to wait for the call")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "Maximum time to wait for shutdown")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newClient(cfg)
	out := cmd.OutOrStdout()

	if !client.IsHostRunning() {
		if statusJSON {
			return writeJSON(out, map[string]interface{}{
				"running": false,
			})
		}
		_, _ = fmt.Fprintln(out, "Host is not running.")
		_, _ = fmt.Fprintln(out, "")
		_, _ = fmt.Fprintln(out, "Start the host with:")
		_, _ = fmt.Fprintln(out, "  pluginhost serve")
		return nil
	}

	resp, err := client.Status()
	if err != nil {
		return fmt.Errorf("failed to get host status: %w", err)
	}

	if statusJSON {
		return writeJSON(out, map[string]interface{}{
			"running": true,
			"host":    resp.Host,
			"version": resp.Version,
			"pid":     resp.PID,
			"loaded":  resp.Loaded,
			"failed":  resp.Failed,
		})
	}

	_, _ = fmt.Fprintf(out, "%s (PID %d)\n", style.Title.Render("Host "+resp.Host+" is running"), resp.PID)
	if resp.Version != "" {
		_, _ = fmt.Fprintf(out, "  Version: %s\n", resp.Version)
	}
	_, _ = fmt.Fprintf(out, "  Loaded:  %d\n", resp.Loaded)
	_, _ = fmt.Fprintf(out, "  Failed:  %d\n", resp.Failed)
	return nil
}

func runInvoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := ipc.NewClient(ipc.ClientConfig{
		SocketPath: ipc.SocketPath(cfg.DataDir),
		Timeout:    invokeTimeout + 5*time.Second,
	})
	resp, err := client.Invoke(ipc.InvokeRequest{
		Plugin:         args[0],
		Export:         args[1],
		Args:           args[2:],
		TimeoutSeconds: int(invokeTimeout.Round(time.Second).Seconds()),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if invokeJSON {
		_, _ = fmt.Fprintln(out, string(resp.Results))
		return nil
	}
	var results []interface{}
	if err := json.Unmarshal(resp.Results, &results); err != nil {
		return fmt.Errorf("failed to decode results: %w", err)
	}
	for _, r := range results {
		_, _ = fmt.Fprintln(out, formatResult(r))
	}
	return nil
}

// formatResult prints scalars bare and composite values as JSON.
func formatResult(v interface{}) string {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	case nil:
		return "null"
	default:
		return fmt.Sprint(v)
	}
}

func runPluginControl(cmd *cobra.Command, pluginID, verb string, op func(*ipc.Client, string) (*ipc.PluginResponse, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	resp, err := op(newClient(cfg), pluginID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (state: %s)\n", verb, resp.Plugin, renderState(plugin.State(resp.State)))
	return nil
}

func runStop(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newClient(cfg)
	out := cmd.OutOrStdout()

	if !client.IsHostRunning() {
		_, _ = fmt.Fprintln(out, "Host is not running.")
		return nil
	}

	_, _ = fmt.Fprintln(out, "Stopping host...")
	resp, err := client.Stop(stopTimeout)
	if err != nil {
		return fmt.Errorf("failed to stop host: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("host stop failed: %s", resp.Message)
	}
	_, _ = fmt.Fprintln(out, style.Success.Render("Host stopped."))
	return nil
}
