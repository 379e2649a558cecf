package main

import (
	"github.com/felixgeelhaar/mcp-go"
	"github.com/spf13/cobra"

	mcptools "github.com/felixgeelhaar/pluginhost/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for AI agent integration",
	Long: `Start a Model Context Protocol (MCP) server that loads the installed
plugins and exposes them to AI agents.

Agents may inspect plugins and invoke their exports. Grants are read-only
over MCP; record decisions with "pluginhost grant".

Available tools:
  - pluginhost_status   Host identity and loaded plugins
  - pluginhost_plugin   Exports and resolved capabilities of a plugin
  - pluginhost_invoke   Call a plugin export
  - pluginhost_grants   Recorded capability decisions
  - pluginhost_reload   Reload a plugin with fresh grants

Examples:
  pluginhost mcp                 # Start stdio MCP server
  pluginhost mcp --http :8080    # Start HTTP MCP server`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

var mcpHTTP string

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().StringVar(&mcpHTTP, "http", "", "Start HTTP server on address (e.g., :8080)")
}

func runMCP(cmd *cobra.Command, _ []string) error {
	h, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer closeHost(cmd, h)

	ctx := commandContext(cmd)
	if _, err := h.LoadInstalled(ctx); err != nil {
		printErrorTo(cmd.ErrOrStderr(), err)
	}

	srv := mcp.NewServer(mcp.ServerInfo{
		Name:    "pluginhost",
		Version: version,
	})
	mcptools.RegisterAll(srv, h, mcptools.VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})

	if mcpHTTP != "" {
		return mcp.ServeHTTP(ctx, srv, mcpHTTP)
	}
	return mcp.ServeStdio(ctx, srv)
}
