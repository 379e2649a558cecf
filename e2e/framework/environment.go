//go:build e2e

// Package framework provides the E2E test infrastructure for pluginhost.
package framework

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

// Environment is an isolated data directory plus a built pluginhost binary.
type Environment struct {
	t          *testing.T
	rootDir    string
	dataDir    string
	binaryPath string
}

var (
	buildOnce  sync.Once
	binaryPath string
	buildErr   error
)

// findProjectRoot locates the project root directory.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// buildBinary builds the pluginhost binary once per test run.
func buildBinary(t *testing.T) (string, error) {
	buildOnce.Do(func() {
		root, err := findProjectRoot()
		if err != nil {
			buildErr = err
			return
		}

		binaryPath = filepath.Join(os.TempDir(), "pluginhost-e2e-test")

		cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/pluginhost")
		cmd.Dir = root

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			buildErr = err
			t.Logf("Build stderr: %s", stderr.String())
		}
	})

	return binaryPath, buildErr
}

// NewEnvironment creates a new isolated test environment. The root is kept
// short so the control socket path stays within the platform limit.
func NewEnvironment(t *testing.T) *Environment {
	t.Helper()

	binary, err := buildBinary(t)
	if err != nil {
		t.Fatalf("Failed to build binary: %v", err)
	}

	rootDir, err := os.MkdirTemp("", "phe2e")
	if err != nil {
		t.Fatalf("Failed to create root directory: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(rootDir) })

	dataDir := filepath.Join(rootDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatalf("Failed to create data directory: %v", err)
	}

	return &Environment{
		t:          t,
		rootDir:    rootDir,
		dataDir:    dataDir,
		binaryPath: binary,
	}
}

// DataDir returns the host data directory.
func (e *Environment) DataDir() string {
	return e.dataDir
}

// RootDir returns the path to the test root directory.
func (e *Environment) RootDir() string {
	return e.rootDir
}

// BinaryPath returns the path to the built binary.
func (e *Environment) BinaryPath() string {
	return e.binaryPath
}

// WriteFile writes content to a file relative to the root directory.
func (e *Environment) WriteFile(path string, content []byte) string {
	e.t.Helper()

	fullPath := filepath.Join(e.rootDir, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		e.t.Fatalf("Failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		e.t.Fatalf("Failed to write file %s: %v", fullPath, err)
	}
	return fullPath
}

// WriteBundle writes a plugin bundle under bundles/<name> and returns its
// directory.
func (e *Environment) WriteBundle(name, manifest string, module []byte) string {
	e.t.Helper()

	dir := filepath.Join("bundles", name)
	e.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest))
	e.WriteFile(filepath.Join(dir, "main.wasm"), module)
	return filepath.Join(e.rootDir, dir)
}

// FileExists checks if a file exists relative to the data directory.
func (e *Environment) FileExists(path string) bool {
	_, err := os.Stat(filepath.Join(e.dataDir, path))
	return err == nil
}
