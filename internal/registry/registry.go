package registry

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantops/scriptd/internal/run"
)

// Descriptor identifies one script under the scripts root. The ID is the
// path relative to the root using forward slashes and is the public handle
// clients use to start runs. Descriptors are immutable once produced.
type Descriptor struct {
	ID        string    `json:"id"`
	AbsPath   string    `json:"-"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mtime"`
	ScannedAt time.Time `json:"-"`
}

// ScanError wraps a failed scan. A failed scan never clobbers the last-good
// snapshot; the registry keeps serving it.
type ScanError struct {
	Root string
	Err  error
}

func (e *ScanError) Error() string { return fmt.Sprintf("scan %s: %v", e.Root, e.Err) }
func (e *ScanError) Unwrap() error { return e.Err }

// directories never descended into during a scan
var ignoredDirs = map[string]bool{
	"__pycache__":  true,
	".git":         true,
	".venv":        true,
	"venv":         true,
	"env":          true,
	"node_modules": true,
}

// Registry owns the current script snapshot. Reads are lock-free against
// writers in the sense that Scan builds a complete replacement off to the
// side and swaps it in under the lock; readers never observe a partial scan.
type Registry struct {
	root string

	mu       sync.RWMutex
	snapshot []Descriptor
	byID     map[string]Descriptor
}

// New creates a registry rooted at root (resolved to an absolute path) and
// performs an initial scan. A failing initial scan is not fatal: the
// registry starts empty and reports the error.
func New(root string) (*Registry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve scripts root: %w", err)
	}
	r := &Registry{root: abs, byID: make(map[string]Descriptor)}
	if _, err := r.Scan(); err != nil {
		return r, err
	}
	return r, nil
}

// Root returns the absolute scripts root.
func (r *Registry) Root() string { return r.root }

// Scan walks the scripts root and atomically replaces the snapshot with the
// ordered result. On failure the previous snapshot is retained and a
// *ScanError is returned.
func (r *Registry) Scan() ([]Descriptor, error) {
	info, err := os.Stat(r.root)
	if err != nil {
		return r.Snapshot(), &ScanError{Root: r.root, Err: err}
	}
	if !info.IsDir() {
		return r.Snapshot(), &ScanError{Root: r.root, Err: fmt.Errorf("not a directory")}
	}

	now := time.Now().UTC()
	var found []Descriptor
	walkErr := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path == r.root {
				return nil
			}
			if ignoredDirs[name] || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !runnable(name, fi.Mode()) {
			return nil
		}
		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return err
		}
		found = append(found, Descriptor{
			ID:        filepath.ToSlash(rel),
			AbsPath:   path,
			SizeBytes: fi.Size(),
			ModTime:   fi.ModTime().UTC(),
			ScannedAt: now,
		})
		return nil
	})
	if walkErr != nil {
		return r.Snapshot(), &ScanError{Root: r.root, Err: walkErr}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	byID := make(map[string]Descriptor, len(found))
	for _, d := range found {
		byID[d.ID] = d
	}

	r.mu.Lock()
	r.snapshot = found
	r.byID = byID
	r.mu.Unlock()
	return append([]Descriptor(nil), found...), nil
}

// runnable reports whether a file is served as a script: .py files always,
// anything else only with an execute bit set.
func runnable(name string, mode fs.FileMode) bool {
	if strings.HasSuffix(name, ".py") {
		return true
	}
	return mode.Perm()&0o111 != 0
}

// Snapshot returns a copy of the current descriptor list.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Descriptor(nil), r.snapshot...)
}

// Lookup resolves a script id against the current snapshot. A script added
// on disk after the last scan is not visible until a rescan.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	r.mu.RLock()
	d, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("script %q: %w", id, run.ErrNotFound)
	}
	return d, nil
}
