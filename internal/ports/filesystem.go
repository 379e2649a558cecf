package ports

import (
	"os"
	"path/filepath"
	"strings"
)

// FileSystem provides the file operations used by host functions and the
// bundle store.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	Exists(path string) bool
	IsDir(path string) bool
	MkdirAll(path string, perm os.FileMode) error
	RemoveAll(path string) error
	// ReadDir returns the names of the entries in a directory, sorted.
	ReadDir(path string) ([]string, error)
	// CopyDir copies a directory tree; dest must not exist.
	CopyDir(src, dest string) error
	// FileHash returns the hex sha256 of a file.
	FileHash(path string) (string, error)
	// Resolve returns the absolute, clean path with symlinks evaluated.
	// A missing final element is allowed so write targets can be resolved.
	Resolve(path string) (string, error)
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
