package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := WriteJSONAtomic(path, doc{Name: "alpha", Count: 3}, FileOptions{}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got doc
	ok, err := ReadJSON(path, &got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok {
		t.Fatal("expected document to exist")
	}
	if got.Name != "alpha" || got.Count != 3 {
		t.Fatalf("unexpected document: %+v", got)
	}
}

func TestReadJSONMissing(t *testing.T) {
	ok, err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &struct{}{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing file")
	}
}

func TestWriteAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	if err := WriteAtomic(path, []byte(`{"x":1}`), FileOptions{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "data.json" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}

func TestRemoveStaged(t *testing.T) {
	dir := t.TempDir()
	staged := filepath.Join(dir, "doc.json.tmp.123456")
	if err := os.WriteFile(staged, []byte("partial"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "doc.json"), []byte("{}"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	removed, err := RemoveStaged(dir)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatal("staged file should be gone")
	}
}

func TestBuildLockPathValidation(t *testing.T) {
	root := t.TempDir()
	if _, err := BuildLockPath(root, "bot.12345"); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	for _, key := range []string{"", "UPPER", ".dot", "dot.", "sp ace", "sl/ash"} {
		if _, err := BuildLockPath(root, key); err == nil {
			t.Fatalf("key %q should be rejected", key)
		}
	}
}

func TestWithLockExcludes(t *testing.T) {
	root := t.TempDir()
	lockPath, err := BuildLockPath(root, "test")
	if err != nil {
		t.Fatalf("lock path: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = WithLock(context.Background(), lockPath, func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = WithLock(ctx, lockPath, func() error { return nil })
	close(release)
	if err == nil {
		t.Fatal("expected lock contention error")
	}
}
