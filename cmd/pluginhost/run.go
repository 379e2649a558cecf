package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/pluginhost/internal/domain/provider"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run <bundle-dir> <export> [args...]",
	Short: "Load a bundle, call one export and unload it",
	Long: `Load a plugin bundle from a directory, invoke one of its exports and
unload it again. Arguments are parsed by the export's declared parameter
types; integers accept 0x, 0o and 0b prefixes.

Grants recorded in the grant store apply as they would when serving.

Examples:
  pluginhost run ./calc add 2 3
  pluginhost run ./greeter greet world --json`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output results as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer closeHost(cmd, h)

	results, err := h.Run(commandContext(cmd), args[0], args[1], args[2:])
	if err != nil {
		return err
	}
	return printValues(cmd, results, runJSON)
}

func printValues(cmd *cobra.Command, values []provider.Value, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		if values == nil {
			values = []provider.Value{}
		}
		return writeJSON(out, values)
	}
	for _, v := range values {
		_, _ = fmt.Fprintln(out, v.String())
	}
	return nil
}
