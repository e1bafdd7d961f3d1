package sowdb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MS-tegart/treadmill/pubsub"
)

// doneMarker is the sentinel the hub watches for: while it exists in a
// directory, file deletions there are archival moves, not live removals.
const doneMarker = ".done"

// ArchiverConfig configures an Archiver.
type ArchiverConfig struct {
	// Root is the hub root; archived paths are stored relative to it.
	Root string

	// Store receives the archived records. Required.
	Store *Store

	// OlderThan is the minimum age of a file before it is archived
	// (default 1 hour).
	OlderThan time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Archiver moves aged state files out of watched directories and into the
// historical store. The move follows the done-marker protocol so that the
// hub does not report the per-file deletions as live deletes: write the
// marker, insert the records, delete the data files, delete the marker.
type Archiver struct {
	root      string
	store     *Store
	olderThan time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver rooted at cfg.Root.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sowdb: archiver requires a store")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("sowdb: resolve root: %w", err)
	}
	olderThan := cfg.OlderThan
	if olderThan <= 0 {
		olderThan = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		root:      root,
		store:     cfg.Store,
		olderThan: olderThan,
		logger:    logger,
	}, nil
}

// ArchiveDir archives every aged file directly under dir (resolved against
// the root) and returns how many records were moved.
func (a *Archiver) ArchiveDir(dir string) (int, error) {
	norm := filepath.Join(a.root, strings.TrimLeft(dir, "/"))

	entries, err := os.ReadDir(norm)
	if err != nil {
		return 0, fmt.Errorf("sowdb: read %s: %w", norm, err)
	}

	cutoff := time.Now().Add(-a.olderThan)
	var records []pubsub.Record
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		full := filepath.Join(norm, entry.Name())
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(cutoff) {
			continue
		}
		content, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		records = append(records, pubsub.Record{
			When:    fi.ModTime().Unix(),
			Path:    strings.TrimPrefix(full, a.root),
			Content: content,
		})
		paths = append(paths, full)
	}
	if len(records) == 0 {
		return 0, nil
	}

	marker := filepath.Join(norm, doneMarker)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return 0, fmt.Errorf("sowdb: write marker: %w", err)
	}
	defer func() {
		if err := os.Remove(marker); err != nil {
			a.logger.Error("failed to remove done marker",
				"marker", marker, "error", err)
		}
	}()

	if err := a.store.Append(records...); err != nil {
		return 0, err
	}
	for _, full := range paths {
		if err := os.Remove(full); err != nil {
			return 0, fmt.Errorf("sowdb: remove %s: %w", full, err)
		}
	}

	a.logger.Info("archived records", "directory", dir, "count", len(records))
	return len(records), nil
}

// Run archives each listed directory, continuing past per-directory
// failures. The first error encountered is returned after the pass.
func (a *Archiver) Run(dirs []string) error {
	var firstErr error
	for _, dir := range dirs {
		if _, err := a.ArchiveDir(dir); err != nil {
			a.logger.Error("archive failed", "directory", dir, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
