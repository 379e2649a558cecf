package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
)

var grantsJSON bool

const grantNote = `Decisions are stored in the configured grant store and apply from the
plugin's next load. A host using the sqlite backend reads them on restart;
hosts sharing a redis backend see them on their next load or reload.`

var grantCmd = &cobra.Command{
	Use:   "grant <plugin> <capability> <allow|deny>",
	Short: "Record a capability decision for a plugin",
	Long: `Record whether a plugin may exercise a capability. Capabilities are
written kind:scope, where kind is one of filesystem-read, filesystem-write,
network-connect or host-api-call. An explicit deny outranks any allow.

` + grantNote + `

Examples:
  pluginhost grant echo filesystem-read:/srv/data allow
  pluginhost grant echo network-connect:*.example.com:443 allow
  pluginhost grant echo filesystem-write:/ deny`,
	Args: cobra.ExactArgs(3),
	RunE: runGrant,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <plugin> <capability>",
	Short: "Remove a recorded capability decision",
	Long: `Remove a recorded decision. Without a decision the capability is denied.

` + grantNote,
	Args: cobra.ExactArgs(2),
	RunE: runRevoke,
}

var grantsCmd = &cobra.Command{
	Use:   "grants [plugin]",
	Short: "List recorded capability decisions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runGrants,
}

func init() {
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(grantsCmd)

	grantsCmd.Flags().BoolVar(&grantsJSON, "json", false, "Output as JSON")
}

func runGrant(cmd *cobra.Command, args []string) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer closeHost(cmd, h)

	g, err := h.Grant(commandContext(cmd), args[0], args[1], args[2])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", style.Success.Render("Recorded:"), g)
	return nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer closeHost(cmd, h)

	removed, err := h.Revoke(commandContext(cmd), args[0], args[1])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !removed {
		_, _ = fmt.Fprintf(out, "No decision recorded for %s on %s.\n", args[0], args[1])
		return nil
	}
	_, _ = fmt.Fprintf(out, "Revoked %s for %s\n", args[1], args[0])
	return nil
}

type grantView struct {
	Plugin     string    `json:"plugin"`
	Capability string    `json:"capability"`
	Decision   string    `json:"decision"`
	GrantedAt  time.Time `json:"granted_at"`
}

func runGrants(cmd *cobra.Command, args []string) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer closeHost(cmd, h)

	pluginID := ""
	if len(args) == 1 {
		pluginID = args[0]
	}
	grants, err := h.Grants(commandContext(cmd), pluginID)
	if err != nil {
		return err
	}
	return printGrants(cmd, grants)
}

func printGrants(cmd *cobra.Command, grants []capability.Grant) error {
	out := cmd.OutOrStdout()
	if grantsJSON {
		views := make([]grantView, 0, len(grants))
		for _, g := range grants {
			views = append(views, grantView{
				Plugin:     g.PluginID,
				Capability: g.Capability.String(),
				Decision:   g.Decision.String(),
				GrantedAt:  g.GrantedAt,
			})
		}
		return writeJSON(out, views)
	}

	if len(grants) == 0 {
		_, _ = fmt.Fprintln(out, "No grants recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PLUGIN\tCAPABILITY\tDECISION\tGRANTED")
	_, _ = fmt.Fprintln(w, "──────\t──────────\t────────\t───────")
	for _, g := range grants {
		granted := "-"
		if !g.GrantedAt.IsZero() {
			granted = g.GrantedAt.Local().Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", g.PluginID, g.Capability, g.Decision, granted)
	}
	return w.Flush()
}
