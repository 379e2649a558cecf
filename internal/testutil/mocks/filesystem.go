package mocks

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/felixgeelhaar/pluginhost/internal/ports"
)

// FileSystem is a thread-safe in-memory test double for ports.FileSystem.
// Paths are slash-separated; symlinks may point at files or directories.
type FileSystem struct {
	mu       sync.RWMutex
	files    map[string][]byte
	symlinks map[string]string
	dirs     map[string]bool
	reads    []string
	writes   []string
}

// NewFileSystem creates a new FileSystem mock.
func NewFileSystem() *FileSystem {
	return &FileSystem{
		files:    make(map[string][]byte),
		symlinks: make(map[string]string),
		dirs:     map[string]bool{"/": true},
	}
}

// AddFile adds a file to the mock filesystem.
func (fs *FileSystem) AddFile(p string, content string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[path.Clean(p)] = []byte(content)
	fs.addParents(p)
}

// AddSymlink adds a symlink to the mock filesystem.
func (fs *FileSystem) AddSymlink(link, target string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.symlinks[path.Clean(link)] = path.Clean(target)
}

// AddDir adds a directory to the mock filesystem.
func (fs *FileSystem) AddDir(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dirs[path.Clean(p)] = true
	fs.addParents(p)
}

func (fs *FileSystem) addParents(p string) {
	for dir := path.Dir(path.Clean(p)); dir != "/" && dir != "."; dir = path.Dir(dir) {
		fs.dirs[dir] = true
	}
}

// Reads returns every path passed to ReadFile, in order.
func (fs *FileSystem) Reads() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return append([]string(nil), fs.reads...)
}

// Writes returns every path passed to WriteFile, in order.
func (fs *FileSystem) Writes() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return append([]string(nil), fs.writes...)
}

// ReadFile reads a file from the mock filesystem.
func (fs *FileSystem) ReadFile(p string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.reads = append(fs.reads, p)
	if content, ok := fs.files[fs.resolveLocked(p)]; ok {
		return append([]byte(nil), content...), nil
	}
	return nil, fmt.Errorf("file not found: %s", p)
}

// WriteFile writes a file to the mock filesystem.
func (fs *FileSystem) WriteFile(p string, data []byte, _ os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.writes = append(fs.writes, p)
	fs.files[fs.resolveLocked(p)] = append([]byte(nil), data...)
	return nil
}

// Exists checks if a path exists in the mock filesystem.
func (fs *FileSystem) Exists(p string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	p = path.Clean(p)
	_, fileExists := fs.files[p]
	_, linkExists := fs.symlinks[p]
	return fileExists || linkExists || fs.dirs[p]
}

// IsDir checks if a path is a directory in the mock filesystem.
func (fs *FileSystem) IsDir(p string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.dirs[fs.resolveLocked(p)]
}

// MkdirAll creates a directory in the mock filesystem.
func (fs *FileSystem) MkdirAll(p string, _ os.FileMode) error {
	fs.AddDir(p)
	return nil
}

// RemoveAll removes a path and everything below it.
func (fs *FileSystem) RemoveAll(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = path.Clean(p)
	prefix := p + "/"
	for k := range fs.files {
		if k == p || strings.HasPrefix(k, prefix) {
			delete(fs.files, k)
		}
	}
	for k := range fs.dirs {
		if k == p || strings.HasPrefix(k, prefix) {
			delete(fs.dirs, k)
		}
	}
	delete(fs.symlinks, p)
	return nil
}

// ReadDir returns the sorted names directly inside a directory.
func (fs *FileSystem) ReadDir(p string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	p = fs.resolveLocked(p)
	if !fs.dirs[p] {
		return nil, fmt.Errorf("directory not found: %s", p)
	}
	seen := map[string]bool{}
	collect := func(k string) {
		if path.Dir(k) == p && k != p {
			seen[path.Base(k)] = true
		}
	}
	for k := range fs.files {
		collect(k)
	}
	for k := range fs.dirs {
		collect(k)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CopyDir copies every file and directory below src to dest.
func (fs *FileSystem) CopyDir(src, dest string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	src, dest = path.Clean(src), path.Clean(dest)
	if fs.dirs[dest] {
		return fmt.Errorf("destination %q already exists", dest)
	}
	if !fs.dirs[src] {
		return fmt.Errorf("directory not found: %s", src)
	}
	for k, v := range fs.files {
		if rel, ok := strings.CutPrefix(k, src+"/"); ok {
			fs.files[dest+"/"+rel] = append([]byte(nil), v...)
		}
	}
	for k := range fs.dirs {
		if rel, ok := strings.CutPrefix(k, src+"/"); ok {
			fs.dirs[dest+"/"+rel] = true
		}
	}
	fs.dirs[dest] = true
	fs.addParents(dest)
	return nil
}

// FileHash returns a hash of a file in the mock filesystem.
func (fs *FileSystem) FileHash(p string) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	content, ok := fs.files[fs.resolveLocked(p)]
	if !ok {
		return "", fmt.Errorf("file not found: %s", p)
	}
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:]), nil
}

// Resolve cleans the path and follows symlinks on any prefix.
func (fs *FileSystem) Resolve(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q is not absolute", p)
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.resolveLocked(p), nil
}

func (fs *FileSystem) resolveLocked(p string) string {
	p = path.Clean(p)
	for hops := 0; hops < 16; hops++ {
		replaced := false
		for link, target := range fs.symlinks {
			if p == link {
				p, replaced = target, true
			} else if rest, ok := strings.CutPrefix(p, link+"/"); ok {
				p, replaced = path.Join(target, rest), true
			}
			if replaced {
				break
			}
		}
		if !replaced {
			return p
		}
	}
	return p
}

// Ensure FileSystem implements ports.FileSystem.
var _ ports.FileSystem = (*FileSystem)(nil)
