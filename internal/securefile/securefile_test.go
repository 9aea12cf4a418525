package securefile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic_ThenReadSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")

	if err := WriteFileAtomic(path, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	got, err := ReadSecret(path)
	if err != nil {
		t.Fatalf("ReadSecret: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("got %q, want %q", got, "hunter2")
	}
}

func TestMkdirAllOwnerOnly_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	if err := MkdirAllOwnerOnly(dir); err != nil {
		t.Fatalf("MkdirAllOwnerOnly: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %s to be a directory", dir)
	}
}
