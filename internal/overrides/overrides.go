// Package overrides holds the set of entity names that are always polled
// at the highest tier. The set combines a static list from configuration
// with an optional YAML file that is reloaded when it changes on disk.
package overrides

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	// Bucket is the kv bucket holding the active override snapshot.
	Bucket = "overrides"
	// SnapshotKey is the key of the snapshot inside Bucket.
	SnapshotKey = "active"
)

// KVWriter persists the snapshot. Implemented by storage.Store.
type KVWriter interface {
	PutKV(ctx context.Context, bucket, key, value string) error
}

type fileFormat struct {
	Names []string `yaml:"names"`
}

// Set is a concurrency-safe, case-insensitive set of display names.
type Set struct {
	mu       sync.RWMutex
	static   []string
	fromFile []string
	index    map[string]bool

	logger *slog.Logger
}

// New creates a Set seeded with static names.
func New(static []string) *Set {
	s := &Set{static: normalize(static), logger: slog.Default()}
	s.rebuild()
	return s
}

// ParseList splits a comma separated list of names.
func ParseList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Contains reports whether name is overridden.
func (s *Set) Contains(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[strings.ToLower(strings.TrimSpace(name))]
}

// Names returns the active names sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.index))
	for n := range s.index {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// LoadFile replaces the file-sourced names with the contents of path.
// A missing file clears them.
func (s *Set) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.setFileNames(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading overrides file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing overrides file %s: %w", path, err)
	}
	s.setFileNames(normalize(f.Names))
	return nil
}

// Watch reloads path whenever it is written or replaced, until ctx is
// cancelled. The initial load is the caller's job.
func (s *Set) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic renames by editors are seen too.
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving overrides path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.LoadFile(abs); err != nil {
				s.logger.Warn("reloading overrides failed", "path", abs, "error", err)
				continue
			}
			s.logger.Info("overrides reloaded", "path", abs, "count", s.Len())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("overrides watcher error", "error", err)
		}
	}
}

// Snapshot writes the active names as a JSON array to the overrides bucket.
func (s *Set) Snapshot(ctx context.Context, kv KVWriter) error {
	data, err := json.Marshal(s.Names())
	if err != nil {
		return err
	}
	if err := kv.PutKV(ctx, Bucket, SnapshotKey, string(data)); err != nil {
		return fmt.Errorf("writing overrides snapshot: %w", err)
	}
	return nil
}

func (s *Set) setFileNames(names []string) {
	s.mu.Lock()
	s.fromFile = names
	s.mu.Unlock()
	s.rebuild()
}

func (s *Set) rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := make(map[string]bool, len(s.static)+len(s.fromFile))
	for _, n := range s.static {
		idx[n] = true
	}
	for _, n := range s.fromFile {
		idx[n] = true
	}
	s.index = idx
}

func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}
