package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/pluginhost/internal/app"
	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load installed plugins and serve them until stopped",
	Long: `Load every installed bundle and answer the control socket in the data
directory until interrupted or asked to stop. Bundles that fail to load
are reported and skipped.

When metrics are enabled, a Prometheus endpoint is served on the
configured address.

Examples:
  pluginhost serve
  pluginhost serve --config /etc/pluginhost.yaml
  pluginhost stop                                   # From another terminal`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := newClient(cfg)
	if client.IsHostRunning() {
		return config.NewUserError(config.ErrCodeValidationFailed,
			fmt.Sprintf("a host is already running (PID %d)", client.HostPID())).
			WithContext(cfg.DataDir).
			WithSuggestion("Stop it with: pluginhost stop, or use another --data-dir.")
	}

	ctx, cancel := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := app.New(ctx, cfg, app.Options{
		Version: version,
		Out:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer closeHost(cmd, h)

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Serving plugins from %s\n", app.BundleDir(cfg.DataDir))
	if cfg.Metrics.Enabled {
		_, _ = fmt.Fprintf(out, "  Metrics: http://%s/metrics\n", cfg.Metrics.Address)
	}
	_, _ = fmt.Fprintln(out, "Host is running. Press Ctrl+C to stop.")

	if err := h.Serve(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "Shutting down host...")
	return nil
}
