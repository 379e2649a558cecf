package hostapi

import (
	"context"
	"os"

	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// NullFileSystem refuses every operation.
type NullFileSystem struct{}

// ReadFile always returns an error.
func (NullFileSystem) ReadFile(string) ([]byte, error) { return nil, ErrUnavailable }

// WriteFile always returns an error.
func (NullFileSystem) WriteFile(string, []byte, os.FileMode) error { return ErrUnavailable }

// Exists always returns false.
func (NullFileSystem) Exists(string) bool { return false }

// IsDir always returns false.
func (NullFileSystem) IsDir(string) bool { return false }

// MkdirAll always returns an error.
func (NullFileSystem) MkdirAll(string, os.FileMode) error { return ErrUnavailable }

// RemoveAll always returns an error.
func (NullFileSystem) RemoveAll(string) error { return ErrUnavailable }

// ReadDir always returns an error.
func (NullFileSystem) ReadDir(string) ([]string, error) { return nil, ErrUnavailable }

// CopyDir always returns an error.
func (NullFileSystem) CopyDir(string, string) error { return ErrUnavailable }

// FileHash always returns an error.
func (NullFileSystem) FileHash(string) (string, error) { return "", ErrUnavailable }

// Resolve always returns an error.
func (NullFileSystem) Resolve(string) (string, error) { return "", ErrUnavailable }

// NullHTTPClient refuses every request.
type NullHTTPClient struct{}

// Get always returns an error.
func (NullHTTPClient) Get(context.Context, string) ([]byte, int, error) {
	return nil, 0, ErrUnavailable
}

var (
	_ ports.FileSystem = NullFileSystem{}
	_ HTTPClient       = NullHTTPClient{}
)
