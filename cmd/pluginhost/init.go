package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/pluginhost/internal/adapters/hostconfig"
	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
)

var (
	initForce bool
	initName  string
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with the default settings, ready to edit.
The file is pluginhost.yaml in the working directory unless a path is given.

Examples:
  pluginhost init
  pluginhost init /etc/pluginhost.yaml --name edge-host`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
	initCmd.Flags().StringVar(&initName, "name", "", "Host name to record")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := hostconfig.DefaultFileNames[0]
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return config.NewUserError(config.ErrCodeValidationFailed, "config file already exists").
			WithContext(path).
			WithSuggestion("Use --force to overwrite it.")
	}

	cfg := config.Default()
	if initName != "" {
		cfg.Host.Name = initName
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := hostconfig.Write(path, cfg); err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", abs)
	return nil
}
