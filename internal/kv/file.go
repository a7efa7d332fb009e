package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File is a SessionContext persisted as a JSON object in a single file.
//
// Writes are atomic (temp file and rename) so a concurrent reader, or another
// process watching the file, never sees a partial document.
type File struct {
	path string

	mu sync.Mutex
	m  map[string]string
}

// OpenFile loads path. A missing or unreadable file starts empty.
func OpenFile(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("state file %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("state file %q: %w", path, err)
	}
	f := &File{path: abs, m: map[string]string{}}
	if m, err := load(abs); err != nil {
		slog.Warn("ignoring unreadable state file", "path", abs, "err", err)
	} else {
		f.m = m
	}
	return f, nil
}

// Path returns the absolute path of the file.
func (f *File) Path() string {
	return f.path
}

// Get implements SessionContext.
func (f *File) Get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[key]
}

// Set implements SessionContext.
func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m[key] == value {
		return nil
	}
	next := maps.Clone(f.m)
	if value == "" {
		delete(next, key)
	} else {
		next[key] = value
	}
	if err := writeAtomic(f.path, next); err != nil {
		return err
	}
	f.m = next
	return nil
}

// Watch reloads the file whenever another writer replaces it and calls
// onChange when the content differs. It blocks until ctx is done.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// Watch the directory: a rename replaces the inode a file watch would hold.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if f.reload() && onChange != nil {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("error watching state file", "path", f.path, "err", err)
		}
	}
}

func (f *File) reload() bool {
	m, err := load(f.path)
	if err != nil {
		slog.Debug("state file reload", "path", f.path, "err", err)
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if maps.Equal(f.m, m) {
		return false
	}
	f.m = m
	slog.Info("state file changed", "path", f.path)
	return true
}

func load(path string) (map[string]string, error) {
	m := map[string]string{}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]string{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return m, nil
}

func writeAtomic(path string, m map[string]string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err = tmp.Write(append(b, '\n')); err == nil {
		err = tmp.Sync()
	}
	if err2 := tmp.Close(); err == nil {
		err = err2
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
