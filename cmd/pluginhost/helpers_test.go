package main

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/adapters/ipc"
	"github.com/felixgeelhaar/pluginhost/internal/testutil"
	"github.com/felixgeelhaar/pluginhost/internal/testutil/wasm"
)

// resetFlags restores every package-level flag to its default. Commands
// share rootCmd, so tests using executeCommand must not run in parallel.
func resetFlags() {
	cfgFile = ""
	dataDir = ""
	logLevel = ""
	verbose = false

	runJSON = false
	installReplace = false
	listJSON = false
	infoJSON = false
	grantsJSON = false
	statusJSON = false
	invokeJSON = false
	invokeTimeout = ipc.DefaultInvokeTimeout
	stopTimeout = 30 * time.Second
	initForce = false
	initName = ""
	mcpHTTP = ""
}

func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	resetFlags()
	t.Cleanup(resetFlags)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

// shortTempDir returns a directory short enough to hold a unix socket.
func shortTempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "phcli")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func writeCalcBundle(t *testing.T) string {
	t.Helper()

	manifest := testutil.NewManifestBuilder("calc").
		WithDescription("adds numbers").
		WithTypedExport("add", []string{"i32", "i32"}, []string{"i32"}).
		WithCapability("filesystem-read:/srv/data").
		YAML()
	return testutil.WriteBundle(t, t.TempDir(), "calc", manifest, wasm.Add())
}
