package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertFileExists asserts that a file exists at the given path.
func AssertFileExists(t testing.TB, path string) {
	t.Helper()

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		assert.Fail(t, "file does not exist", "expected file to exist: %s", path)
		return
	}
	require.NoError(t, err)
	assert.False(t, info.IsDir(), "expected file but got directory: %s", path)
}

// AssertNotExists asserts that nothing exists at the given path.
func AssertNotExists(t testing.TB, path string) {
	t.Helper()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "expected path to not exist: %s", path)
}

// AssertEventually asserts that a condition becomes true within a timeout.
// waitFor and tick are in milliseconds.
func AssertEventually(t testing.TB, condition func() bool, waitForMs, tickMs int, msgAndArgs ...interface{}) {
	t.Helper()

	waitFor := time.Duration(waitForMs) * time.Millisecond
	tick := time.Duration(tickMs) * time.Millisecond

	assert.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}
