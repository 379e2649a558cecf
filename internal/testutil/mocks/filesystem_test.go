package mocks

import (
	"sync"
	"testing"
)

func TestFileSystem_ReadWrite(t *testing.T) {
	fs := NewFileSystem()
	fs.AddFile("/tmp/x", "hello")

	content, err := fs.ReadFile("/tmp/x")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("ReadFile() = %q, want %q", string(content), "hello")
	}

	if _, err := fs.ReadFile("/nonexistent"); err == nil {
		t.Error("ReadFile() should return error for non-existent file")
	}

	if err := fs.WriteFile("/tmp/y", []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if !fs.Exists("/tmp/y") {
		t.Error("written file should exist")
	}
	if got := fs.Reads(); len(got) != 2 {
		t.Errorf("Reads() = %v, want 2 entries", got)
	}
	if got := fs.Writes(); len(got) != 1 || got[0] != "/tmp/y" {
		t.Errorf("Writes() = %v", got)
	}
}

func TestFileSystem_Resolve(t *testing.T) {
	fs := NewFileSystem()
	fs.AddFile("/etc/passwd", "root")
	fs.AddSymlink("/tmp/escape", "/etc")

	got, err := fs.Resolve("/tmp/escape/passwd")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "/etc/passwd" {
		t.Errorf("Resolve() = %q, want /etc/passwd", got)
	}

	if _, err := fs.Resolve("relative"); err == nil {
		t.Error("Resolve() should reject relative paths")
	}

	content, err := fs.ReadFile("/tmp/escape/passwd")
	if err != nil || string(content) != "root" {
		t.Errorf("ReadFile() through symlink = %q, %v", content, err)
	}
}

func TestFileSystem_DirOps(t *testing.T) {
	fs := NewFileSystem()
	fs.AddFile("/src/plugin.yaml", "id: a")
	fs.AddFile("/src/main.wasm", "\x00asm")

	names, err := fs.ReadDir("/src")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(names) != 2 || names[0] != "main.wasm" || names[1] != "plugin.yaml" {
		t.Errorf("ReadDir() = %v", names)
	}

	if err := fs.CopyDir("/src", "/data/a"); err != nil {
		t.Fatalf("CopyDir() error = %v", err)
	}
	if !fs.Exists("/data/a/main.wasm") {
		t.Error("CopyDir() did not copy files")
	}
	if err := fs.CopyDir("/src", "/data/a"); err == nil {
		t.Error("CopyDir() onto existing destination should fail")
	}

	if err := fs.RemoveAll("/data/a"); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if fs.Exists("/data/a/main.wasm") || fs.IsDir("/data/a") {
		t.Error("RemoveAll() left entries behind")
	}
}

func TestFileSystem_Concurrent(t *testing.T) {
	fs := NewFileSystem()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fs.WriteFile("/tmp/c", []byte("x"), 0o644)
			_, _ = fs.ReadFile("/tmp/c")
			_ = fs.Exists("/tmp/c")
		}()
	}
	wg.Wait()
}
