package filesystem

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewRealFileSystem(t *testing.T) {
	fs := NewRealFileSystem()
	if fs == nil {
		t.Error("NewRealFileSystem() should not return nil")
	}
}

func TestRealFileSystem_Integration(t *testing.T) {
	fs := NewRealFileSystem()
	tmpDir := t.TempDir()

	testFile := filepath.Join(tmpDir, "test.txt")
	if err := fs.WriteFile(testFile, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	content, err := fs.ReadFile(testFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(content) != "hello world" {
		t.Errorf("ReadFile() = %q, want %q", string(content), "hello world")
	}

	if !fs.Exists(testFile) {
		t.Error("Exists() should return true")
	}
	if fs.IsDir(testFile) {
		t.Error("IsDir() should return false for a file")
	}

	hash, err := fs.FileHash(testFile)
	if err != nil {
		t.Fatalf("FileHash() error = %v", err)
	}
	// sha256("hello world")
	if hash != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("FileHash() = %s", hash)
	}
}

func TestRealFileSystem_CopyDirAndReadDir(t *testing.T) {
	fs := NewRealFileSystem()
	src := t.TempDir()

	if err := fs.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(filepath.Join(src, "plugin.yaml"), []byte("id: x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile(filepath.Join(src, "nested", "data.bin"), []byte{1, 2}, 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "copy")
	if err := fs.CopyDir(src, dest); err != nil {
		t.Fatalf("CopyDir() error = %v", err)
	}

	names, err := fs.ReadDir(dest)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(names) != 2 || names[0] != "nested" || names[1] != "plugin.yaml" {
		t.Errorf("ReadDir() = %v", names)
	}
	if !fs.IsDir(filepath.Join(dest, "nested")) {
		t.Error("nested directory was not copied")
	}

	if err := fs.CopyDir(src, dest); err == nil {
		t.Error("CopyDir() onto an existing destination should fail")
	}

	if err := fs.RemoveAll(dest); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if fs.Exists(dest) {
		t.Error("RemoveAll() left the destination behind")
	}
}

func TestRealFileSystem_Resolve(t *testing.T) {
	fs := NewRealFileSystem()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	secret := filepath.Join(root, "secret")
	if err := os.MkdirAll(secret, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "link")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	got, err := fs.Resolve(filepath.Join(link, "file.txt"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := filepath.Join(secret, "file.txt"); got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}

	got, err = fs.Resolve(filepath.Join(root, "a", "..", "secret"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != secret {
		t.Errorf("Resolve() = %q, want %q", got, secret)
	}
}
