package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/pluginhost/internal/adapters/hostconfig"
	"github.com/felixgeelhaar/pluginhost/internal/adapters/ipc"
	"github.com/felixgeelhaar/pluginhost/internal/app"
	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
)

var (
	// Global flags
	cfgFile  string
	dataDir  string
	logLevel string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "pluginhost",
	Short: "A sandboxed WebAssembly plugin host",
	Long: `pluginhost loads WebAssembly plugins into isolated sandboxes and lets them
reach the host only through capabilities you grant.

Plugins are bundles: a plugin.yaml manifest next to a compiled module.
Install bundles, grant their requested capabilities, then serve them:
  pluginhost install ./echo
  pluginhost grant echo filesystem-read:/srv/data allow
  pluginhost serve`,
	SilenceErrors: true, // We handle error formatting ourselves
	SilenceUsage:  true, // Don't show usage on error
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: pluginhost.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for bundles, grants and the control socket")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	registerFlagCompletions()

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the host configuration, applying global flag overrides.
func loadConfig() (*config.HostConfig, error) {
	overrides := make(map[string]interface{})
	if dataDir != "" {
		overrides["data_dir"] = dataDir
	}
	if logLevel != "" {
		overrides["log.level"] = logLevel
	}

	res, err := hostconfig.Load(hostconfig.Options{Path: cfgFile, Overrides: overrides})
	if err != nil {
		return nil, err
	}
	return res.Config, nil
}

// openHost assembles a host from the configuration. Logs go to stderr.
func openHost(cmd *cobra.Command) (*app.Host, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(commandContext(cmd), cfg, app.Options{
		Version: version,
		Out:     cmd.ErrOrStderr(),
	})
}

// closeHost releases the host, reporting failures on stderr.
func closeHost(cmd *cobra.Command, h *app.Host) {
	if err := h.Close(context.WithoutCancel(commandContext(cmd))); err != nil {
		printErrorTo(cmd.ErrOrStderr(), err)
	}
}

// newClient returns a control socket client for the configured data dir.
func newClient(cfg *config.HostConfig) *ipc.Client {
	return ipc.NewClient(ipc.ClientConfig{SocketPath: ipc.SocketPath(cfg.DataDir)})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatError returns a user-friendly error message.
// With verbose=false: shows only the user message and suggestion.
// With verbose=true: also shows the underlying technical error.
func formatError(err error) string {
	if errors.Is(err, ipc.ErrHostNotRunning) {
		return err.Error() + "\n\nSuggestion: Start the host with: pluginhost serve"
	}

	var remote *ipc.RemoteError
	if errors.As(err, &remote) {
		if remote.Code != ipc.ErrorCodeNotReady || remote.PluginID == "" {
			return remote.Message
		}
		err = config.NewPluginNotReadyError(remote.PluginID, remote.State, remote)
	}

	var list *config.ErrorList
	if errors.As(err, &list) {
		if list.Len() > 1 {
			return list.Format()
		}
		if list.Len() == 1 {
			err = list.Errors()[0]
		}
	}

	userErr := config.GetUserError(err)
	if userErr == nil {
		return err.Error()
	}
	msg := userErr.Message
	if userErr.Context != "" {
		msg += fmt.Sprintf(" (at %s)", userErr.Context)
	}
	if userErr.Suggestion != "" {
		msg += fmt.Sprintf("\n\nSuggestion: %s", userErr.Suggestion)
	}
	if verbose && userErr.Underlying != nil {
		msg += fmt.Sprintf("\n\nTechnical details: %v", userErr.Underlying)
	}
	return msg
}

// printError prints an error message to stderr with proper formatting.
func printError(err error) {
	printErrorTo(os.Stderr, err)
}

// printErrorTo prints an error message to the given writer.
func printErrorTo(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "%s %s\n", style.Error.Render("Error:"), formatError(err))
}

// registerFlagCompletions sets up custom completions for global flags.
func registerFlagCompletions() {
	_ = rootCmd.RegisterFlagCompletionFunc("config", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "yml", "toml"}, cobra.ShellCompDirectiveFilterFileExt
	})

	_ = rootCmd.RegisterFlagCompletionFunc("data-dir", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return nil, cobra.ShellCompDirectiveFilterDirs
	})

	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{
			"debug\tVerbose diagnostics",
			"info\tLifecycle events",
			"warn\tFaults and skipped bundles",
			"error\tFailures only",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}
