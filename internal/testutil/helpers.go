// Package testutil provides test helpers and utilities for pluginhost tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteTempFile writes content to a file in the specified directory.
func WriteTempFile(t *testing.T, dir, filename, content string) string {
	t.Helper()

	path := filepath.Join(dir, filename)
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	require.NoError(t, err, "failed to create parent of %s", filename)
	err = os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file: %s", filename)

	return path
}

// WriteTempDir creates a subdirectory in the temp directory.
func WriteTempDir(t *testing.T, dir, dirname string) string {
	t.Helper()

	path := filepath.Join(dir, dirname)
	err := os.MkdirAll(path, 0o755)
	require.NoError(t, err, "failed to create temp subdirectory: %s", dirname)

	return path
}

// WriteBundle writes a plugin bundle directory (plugin.yaml plus the module
// file) under dir and returns its path.
func WriteBundle(t *testing.T, dir, name, manifestYAML string, module []byte) string {
	t.Helper()

	bundleDir := WriteTempDir(t, dir, name)
	WriteTempFile(t, bundleDir, "plugin.yaml", manifestYAML)
	err := os.WriteFile(filepath.Join(bundleDir, "main.wasm"), module, 0o644)
	require.NoError(t, err, "failed to write module for %s", name)

	return bundleDir
}
