package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/pluginhost/internal/adapters/bundle"
	"github.com/felixgeelhaar/pluginhost/internal/adapters/filesystem"
	"github.com/felixgeelhaar/pluginhost/internal/app"
	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
)

var (
	installReplace bool
	listJSON       bool
	infoJSON       bool
)

var installCmd = &cobra.Command{
	Use:   "install <bundle-dir>",
	Short: "Install a plugin bundle",
	Long: `Validate a bundle directory and copy it into the data directory, where
serve picks it up. The manifest and checksum are verified first.

Examples:
  pluginhost install ./echo
  pluginhost install ./echo --replace   # Replace an installed version`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:     "uninstall <plugin>",
	Aliases: []string{"remove", "rm"},
	Short:   "Remove an installed plugin bundle",
	Long:    `Remove an installed bundle. Recorded grants are kept.`,
	Args:    cobra.ExactArgs(1),
	RunE:    runUninstall,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List plugins",
	Long: `List plugins. When a host is serving, its loaded plugins and their
lifecycle states are shown; otherwise the installed bundles are listed.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var infoCmd = &cobra.Command{
	Use:   "info <plugin>",
	Short: "Show an installed plugin's manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)

	installCmd.Flags().BoolVar(&installReplace, "replace", false, "Replace an installed bundle with the same id")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Output as JSON")
}

func bundleStore(cfg *config.HostConfig) *bundle.Store {
	return bundle.NewStore(filesystem.NewRealFileSystem(), app.BundleDir(cfg.DataDir))
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	res, err := bundleStore(cfg).Install(args[0], bundle.InstallOptions{Replace: installReplace})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.Previous != "" {
		_, _ = fmt.Fprintf(out, "%s %s %s with %s\n", style.Success.Render("Replaced"), res.Manifest.ID, res.Previous, res.Manifest.Version)
	} else {
		_, _ = fmt.Fprintf(out, "%s %s %s\n", style.Success.Render("Installed"), res.Manifest.ID, res.Manifest.Version)
	}
	_, _ = fmt.Fprintf(out, "  Location: %s\n", res.Dir)

	if caps := res.Manifest.RequestedCapabilities; len(caps) > 0 {
		_, _ = fmt.Fprintln(out, "")
		_, _ = fmt.Fprintln(out, "Requested capabilities (denied until granted):")
		for _, c := range caps {
			_, _ = fmt.Fprintf(out, "  pluginhost grant %s %s allow\n", res.Manifest.ID, c)
		}
	}

	if newClient(cfg).IsHostRunning() {
		_, _ = fmt.Fprintln(out, "")
		_, _ = fmt.Fprintln(out, style.Warning.Render("A host is running; restart it to load this bundle."))
	}
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := bundleStore(cfg).Uninstall(args[0]); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled %s\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := newClient(cfg)
	if client.IsHostRunning() {
		resp, err := client.List()
		if err != nil {
			return fmt.Errorf("failed to list plugins: %w", err)
		}
		return printLoaded(cmd, resp.Plugins)
	}

	bundles, readErr := bundleStore(cfg).Bundles()
	if readErr != nil {
		printErrorTo(cmd.ErrOrStderr(), readErr)
	}
	return printInstalled(cmd, bundles)
}

func printLoaded(cmd *cobra.Command, plugins []plugin.Summary) error {
	out := cmd.OutOrStdout()
	if listJSON {
		if plugins == nil {
			plugins = []plugin.Summary{}
		}
		return writeJSON(out, plugins)
	}
	if len(plugins) == 0 {
		_, _ = fmt.Fprintln(out, "No plugins loaded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVERSION\tSTATE\tINVOCATIONS\tFAULTS\tLAST ERROR")
	_, _ = fmt.Fprintln(w, "──\t───────\t─────\t───────────\t──────\t──────────")
	for _, p := range plugins {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			p.ID, p.Version, p.State, p.Invocations, p.Faults, truncate(p.LastError, 50))
	}
	return w.Flush()
}

type installedBundle struct {
	ID          string   `json:"id"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	EntryPoints []string `json:"entry_points"`
	Source      string   `json:"source"`
}

func printInstalled(cmd *cobra.Command, bundles []plugin.Bundle) error {
	out := cmd.OutOrStdout()
	if listJSON {
		items := make([]installedBundle, 0, len(bundles))
		for _, b := range bundles {
			items = append(items, installedBundle{
				ID:          b.Manifest.ID,
				Version:     b.Manifest.Version,
				Description: b.Manifest.Description,
				EntryPoints: b.Manifest.ExportNames(),
				Source:      b.Source,
			})
		}
		return writeJSON(out, items)
	}

	if len(bundles) == 0 {
		_, _ = fmt.Fprintln(out, "No plugins installed.")
		_, _ = fmt.Fprintln(out, "")
		_, _ = fmt.Fprintln(out, "Install plugins using:")
		_, _ = fmt.Fprintln(out, "  pluginhost install <bundle-dir>")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tVERSION\tEXPORTS\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "──\t───────\t───────\t───────────")
	for _, b := range bundles {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			b.Manifest.ID,
			b.Manifest.Version,
			strings.Join(b.Manifest.ExportNames(), ","),
			truncate(b.Manifest.Description, 50))
	}
	return w.Flush()
}

type pluginInfo struct {
	ID                    string   `json:"id"`
	Version               string   `json:"version"`
	Description           string   `json:"description,omitempty"`
	Module                string   `json:"module"`
	Checksum              string   `json:"checksum"`
	Exports               []string `json:"exports"`
	RequestedCapabilities []string `json:"requested_capabilities"`
	Source                string   `json:"source"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := bundleStore(cfg).Get(args[0])
	if err != nil {
		return err
	}

	m := b.Manifest
	info := pluginInfo{
		ID:                    m.ID,
		Version:               m.Version,
		Description:           m.Description,
		Module:                m.ModuleFile(),
		Checksum:              b.Checksum(),
		Exports:               make([]string, 0, len(m.EntryPoints)),
		RequestedCapabilities: capability.Strings(m.RequestedCapabilities),
		Source:                b.Source,
	}
	for _, ep := range m.EntryPoints {
		info.Exports = append(info.Exports, ep.Name+ep.Signature().String())
	}

	out := cmd.OutOrStdout()
	if infoJSON {
		return writeJSON(out, info)
	}

	_, _ = fmt.Fprintf(out, "%s %s\n", info.ID, info.Version)
	if info.Description != "" {
		_, _ = fmt.Fprintf(out, "  %s\n", info.Description)
	}
	_, _ = fmt.Fprintf(out, "\nModule:   %s\n", info.Module)
	_, _ = fmt.Fprintf(out, "Checksum: %s\n", info.Checksum)
	_, _ = fmt.Fprintf(out, "Source:   %s\n", info.Source)
	_, _ = fmt.Fprintln(out, "\nExports:")
	for _, e := range info.Exports {
		_, _ = fmt.Fprintf(out, "  %s\n", e)
	}
	if len(info.RequestedCapabilities) > 0 {
		_, _ = fmt.Fprintln(out, "\nRequested capabilities:")
		for _, c := range info.RequestedCapabilities {
			_, _ = fmt.Fprintf(out, "  %s\n", c)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
