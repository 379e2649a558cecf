package ports

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.pluginhost/plugins", filepath.Join(home, ".pluginhost/plugins")},
		{"/var/lib/pluginhost", "/var/lib/pluginhost"},
		{"relative/path", "relative/path"},
		{"/path/with~tilde", "/path/with~tilde"},
	}

	for _, tt := range tests {
		result := ExpandPath(tt.input)
		if result != tt.expected {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
