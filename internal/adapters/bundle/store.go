// Package bundle reads plugin bundles from disk and manages the bundles
// installed in the host's data directory. A bundle is a directory holding
// plugin.yaml and the module file it names.
package bundle

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
	"github.com/felixgeelhaar/pluginhost/internal/domain/plugin"
	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// ManifestFile is the manifest name inside a bundle directory.
const ManifestFile = "plugin.yaml"

// MaxModuleSize is the largest module file accepted.
const MaxModuleSize = 64 * 1024 * 1024

// Store manages bundles installed under a root directory, one
// subdirectory per plugin id.
type Store struct {
	fs   ports.FileSystem
	root string
}

// NewStore creates a store rooted at root.
func NewStore(fs ports.FileSystem, root string) *Store {
	return &Store{fs: fs, root: root}
}

// Root returns the directory bundles are installed under.
func (s *Store) Root() string {
	return s.root
}

// Read loads and validates the bundle in dir.
func Read(fs ports.FileSystem, dir string) (plugin.Bundle, error) {
	if !fs.IsDir(dir) {
		return plugin.Bundle{}, config.NewBundleInvalidError(dir, errors.New("not a directory"))
	}

	data, err := fs.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return plugin.Bundle{}, config.NewBundleInvalidError(dir, fmt.Errorf("read %s: %w", ManifestFile, err))
	}
	m, err := plugin.ParseManifest(data)
	if err != nil {
		return plugin.Bundle{}, config.NewBundleInvalidError(dir, err)
	}

	name := m.ModuleFile()
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return plugin.Bundle{}, config.NewBundleInvalidError(dir,
			fmt.Errorf("module %q must be a relative path inside the bundle", name))
	}
	module, err := fs.ReadFile(filepath.Join(dir, filepath.FromSlash(path.Clean(name))))
	if err != nil {
		return plugin.Bundle{}, config.NewBundleInvalidError(dir, fmt.Errorf("read module: %w", err))
	}
	if len(module) > MaxModuleSize {
		return plugin.Bundle{}, config.NewBundleInvalidError(dir,
			fmt.Errorf("module size %d bytes exceeds limit of %d bytes", len(module), MaxModuleSize))
	}
	if m.Checksum != "" {
		if err := plugin.VerifyChecksum(module, m.Checksum); err != nil {
			return plugin.Bundle{}, config.NewBundleInvalidError(dir, err)
		}
	}

	return plugin.Bundle{Manifest: m, Module: module, Source: dir}, nil
}

// InstallOptions controls Install.
type InstallOptions struct {
	// Replace allows overwriting an installed bundle with the same id.
	Replace bool
}

// InstallResult describes a completed install.
type InstallResult struct {
	Manifest *plugin.Manifest
	Dir      string
	// Previous is the version that was replaced, if any.
	Previous string
}

// Install validates the bundle in src and copies it into the store.
func (s *Store) Install(src string, opts InstallOptions) (*InstallResult, error) {
	b, err := Read(s.fs, src)
	if err != nil {
		return nil, err
	}

	dest := s.dir(b.Manifest.ID)
	res := &InstallResult{Manifest: b.Manifest, Dir: dest}
	if s.fs.Exists(dest) {
		if !opts.Replace {
			return nil, config.NewBundleExistsError(b.Manifest.ID, dest)
		}
		if prev, err := Read(s.fs, dest); err == nil {
			res.Previous = prev.Manifest.Version
		}
		if err := s.fs.RemoveAll(dest); err != nil {
			return nil, fmt.Errorf("remove previous bundle: %w", err)
		}
	}

	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}
	if err := s.fs.CopyDir(src, dest); err != nil {
		return nil, fmt.Errorf("copy bundle: %w", err)
	}
	return res, nil
}

// Uninstall removes an installed bundle.
func (s *Store) Uninstall(pluginID string) error {
	dest := s.dir(pluginID)
	if !validID(pluginID) || !s.fs.IsDir(dest) {
		ids, _ := s.IDs()
		return config.NewPluginNotFoundError(pluginID, ids)
	}
	return s.fs.RemoveAll(dest)
}

// Get reads one installed bundle.
func (s *Store) Get(pluginID string) (plugin.Bundle, error) {
	dest := s.dir(pluginID)
	if !validID(pluginID) || !s.fs.IsDir(dest) {
		ids, _ := s.IDs()
		return plugin.Bundle{}, config.NewPluginNotFoundError(pluginID, ids)
	}
	return Read(s.fs, dest)
}

// IDs returns the ids of installed bundles, sorted.
func (s *Store) IDs() ([]string, error) {
	if !s.fs.Exists(s.root) {
		return nil, nil
	}
	names, err := s.fs.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, name := range names {
		if s.fs.IsDir(s.dir(name)) {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

// Bundles reads every installed bundle. Unreadable bundles are skipped
// and reported together in the error.
func (s *Store) Bundles() ([]plugin.Bundle, error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, err
	}

	var (
		bundles []plugin.Bundle
		errs    []error
	)
	for _, id := range ids {
		b, err := Read(s.fs, s.dir(id))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if b.Manifest.ID != id {
			errs = append(errs, config.NewBundleInvalidError(s.dir(id),
				fmt.Errorf("installed under %q but declares plugin_id %q", id, b.Manifest.ID)))
			continue
		}
		bundles = append(bundles, b)
	}
	return bundles, errors.Join(errs...)
}

// validID rejects ids that would leave the store root.
func validID(pluginID string) bool {
	return pluginID != "" && pluginID == filepath.Base(pluginID) && filepath.IsLocal(pluginID)
}

func (s *Store) dir(pluginID string) string {
	return filepath.Join(s.root, pluginID)
}
