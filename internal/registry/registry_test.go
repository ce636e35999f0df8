package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/quantops/scriptd/internal/run"
)

func writeFile(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScanFindsScripts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "hello.py"), 0o644)
	writeFile(t, filepath.Join(dir, "sub", "task.py"), 0o644)
	writeFile(t, filepath.Join(dir, "tool.sh"), 0o755)
	// not runnable: no exec bit, not .py
	writeFile(t, filepath.Join(dir, "notes.txt"), 0o644)
	// skipped names
	writeFile(t, filepath.Join(dir, "_helper.py"), 0o644)
	writeFile(t, filepath.Join(dir, ".hidden.py"), 0o644)
	writeFile(t, filepath.Join(dir, "__pycache__", "cached.py"), 0o644)
	writeFile(t, filepath.Join(dir, ".venv", "bin", "activate.py"), 0o644)

	r, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	snap := r.Snapshot()
	want := []string{"hello.py", "sub/task.py", "tool.sh"}
	if len(snap) != len(want) {
		t.Fatalf("got %d scripts, want %d: %+v", len(snap), len(want), snap)
	}
	for i, id := range want {
		if snap[i].ID != id {
			t.Fatalf("snapshot[%d] = %s, want %s", i, snap[i].ID, id)
		}
	}
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "hello.py"), 0o644)
	r, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	d, err := r.Lookup("hello.py")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.AbsPath != filepath.Join(r.Root(), "hello.py") {
		t.Fatalf("abs path: %s", d.AbsPath)
	}
	if _, err := r.Lookup("missing.py"); !errors.Is(err, run.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRescanPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.py"), 0o644)
	r, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(r.Snapshot()) != 1 {
		t.Fatalf("initial snapshot: %+v", r.Snapshot())
	}

	// new script invisible until rescan
	writeFile(t, filepath.Join(dir, "b.py"), 0o644)
	if _, err := r.Lookup("b.py"); err == nil {
		t.Fatalf("b.py visible before rescan")
	}
	snap, err := r.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("after rescan: %+v", snap)
	}
	if _, err := r.Lookup("b.py"); err != nil {
		t.Fatalf("lookup after rescan: %v", err)
	}
}

func TestFailedScanKeepsLastGoodSnapshot(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "scripts")
	writeFile(t, filepath.Join(dir, "a.py"), 0o644)
	r, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove root: %v", err)
	}
	snap, err := r.Scan()
	var scanErr *ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("expected *ScanError, got %v", err)
	}
	if len(snap) != 1 || snap[0].ID != "a.py" {
		t.Fatalf("last-good snapshot not retained: %+v", snap)
	}
	if len(r.Snapshot()) != 1 {
		t.Fatalf("registry snapshot clobbered by failed scan")
	}
}

func TestNewWithMissingRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	r, err := New(dir)
	if err == nil {
		t.Fatalf("expected scan error for missing root")
	}
	if r == nil {
		t.Fatalf("registry should still be usable after a failed initial scan")
	}
	if len(r.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot")
	}

	// creating the directory and rescanning recovers
	writeFile(t, filepath.Join(dir, "a.py"), 0o644)
	if _, err := r.Scan(); err != nil {
		t.Fatalf("rescan after creating root: %v", err)
	}
	if len(r.Snapshot()) != 1 {
		t.Fatalf("expected one script after recovery")
	}
}
