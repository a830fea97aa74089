package launcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
)

// Store maintains the collection of discovered pattern manifests.
//
// Lookups read an immutable snapshot behind an atomic pointer, so
// Reload never blocks launches: readers keep the old snapshot until
// the swap, and a process launched from an old manifest keeps running
// under it.
type Store struct {
	directory string
	logger    *slog.Logger
	snapshot  atomic.Pointer[manifestSnapshot]
}

type manifestSnapshot struct {
	patterns map[string]*Manifest
}

// NewStore creates a manifest store rooted at directory. Call Discover
// before first use.
func NewStore(directory string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		directory: directory,
		logger:    logger,
	}
	s.snapshot.Store(&manifestSnapshot{patterns: make(map[string]*Manifest)})
	return s
}

// Directory returns the root directory the store scans.
func (s *Store) Directory() string {
	return s.directory
}

// Discover scans the patterns directory and loads all manifests. A
// manifest that fails to load is logged and skipped; it does not fail
// the scan. The new snapshot replaces the old one atomically.
func (s *Store) Discover() error {
	s.logger.Info("discovering patterns", "directory", s.directory)

	if _, err := os.Stat(s.directory); err != nil {
		return ErrInvalidConfiguration("patterns_dir", s.directory, "patterns directory not found").
			WithCause(err)
	}

	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return ErrInvalidConfiguration("patterns_dir", s.directory, "patterns directory not readable").
			WithCause(err)
	}

	patterns := make(map[string]*Manifest)
	failed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(s.directory, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		manifest, err := LoadManifest(manifestPath)
		if err != nil {
			s.logger.Warn("skipping invalid manifest",
				"pattern_dir", entry.Name(), "error", err)
			failed++
			continue
		}

		patterns[manifest.Name] = manifest
		s.logger.Info("discovered pattern",
			"pattern", manifest.Name,
			"version", manifest.Version,
			"isolation", manifest.IsolationLevel)
	}

	s.snapshot.Store(&manifestSnapshot{patterns: patterns})

	s.logger.Info("pattern discovery complete",
		"discovered", len(patterns), "failed", failed)
	return nil
}

// Reload re-scans the directory. Existing lookups are unaffected until
// the new snapshot is in place.
func (s *Store) Reload() error {
	return s.Discover()
}

// Get returns a manifest by pattern name.
func (s *Store) Get(name string) (*Manifest, bool) {
	manifest, ok := s.snapshot.Load().patterns[name]
	return manifest, ok
}

// List returns all known manifests sorted by name.
func (s *Store) List() []*Manifest {
	snap := s.snapshot.Load()
	manifests := make([]*Manifest, 0, len(snap.patterns))
	for _, m := range snap.patterns {
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Name < manifests[j].Name
	})
	return manifests
}

// Count returns the number of known patterns.
func (s *Store) Count() int {
	return len(s.snapshot.Load().patterns)
}
