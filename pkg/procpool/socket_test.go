package procpool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureWorkDirCreatesWithMode(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "workdir")
	if err := ensureWorkDir(dir); err != nil {
		t.Fatalf("ensureWorkDir: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}
	if info.Mode().Perm() != socketDirMode {
		t.Errorf("mode = %o, want %o", info.Mode().Perm(), socketDirMode)
	}
}

func TestEnsureWorkDirFixesModeOfExisting(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "workdir")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := ensureWorkDir(sub); err != nil {
		t.Fatalf("ensureWorkDir: %v", err)
	}

	info, err := os.Stat(sub)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != socketDirMode {
		t.Errorf("mode = %o, want %o after re-chmod", info.Mode().Perm(), socketDirMode)
	}
}

func TestNewHandleIDShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newHandleID()
		if len(id) != 16 {
			t.Fatalf("id %q has length %d, want 16", id, len(id))
		}
		if strings.Contains(id, "-") {
			t.Fatalf("id %q contains a hyphen", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestSocketPathFor(t *testing.T) {
	got := socketPathFor("/tmp/work", "abcdef0123456789")
	want := filepath.Join("/tmp/work", "abcdef0123456789.sock")
	if got != want {
		t.Errorf("socketPathFor = %q, want %q", got, want)
	}
}

func TestRemoveSocketMissingIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.sock")
	if err := removeSocket(path); err != nil {
		t.Errorf("removeSocket on missing file returned error: %v", err)
	}
}

func TestRemoveSocketDeletesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "present.sock")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := removeSocket(path); err != nil {
		t.Fatalf("removeSocket: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected socket file to be removed")
	}
}
