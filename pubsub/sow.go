package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	gopath "path"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// sow replays the state of the world for one new subscription: every record
// under dir matching pattern with timestamp >= since, merged from the
// topic's historical store and the live filesystem, each path delivered at
// most once.
func (h *Hub) sow(dir, pattern string, since int64, conn Conn, impl Impl) error {
	rel := strings.TrimPrefix(dir, h.root)

	_, span := h.tracer.Start(context.Background(), "sow.replay")
	span.SetAttributes(
		attribute.String("directory", rel),
		attribute.String("pattern", pattern),
		attribute.Int64("since", since),
	)
	defer span.End()

	fsRecords, err := h.fsSow(dir, pattern, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var dbRecords []Record
	if src, ok := impl.(SowSource); ok {
		if q := src.Sow(); q != nil {
			glob := gopath.Join(rel, pattern)
			h.logger.Info("querying historical store", "glob", glob, "since", since)
			dbRecords, err = q.Query(glob, since)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("pubsub: historical store query: %w", err)
			}
		}
	}

	// Two-way ordered merge over the pre-sorted sequences. Both sources
	// are ascending by (timestamp, path); ties go to the store side. A
	// path surfacing from both sources arrives adjacently, so comparing
	// against the previously delivered path removes the duplicate and
	// the earlier-timestamped occurrence wins.
	var (
		count int
		prev  string
		i, j  int
	)
	for i < len(dbRecords) || j < len(fsRecords) {
		var rec Record
		switch {
		case j >= len(fsRecords):
			rec = dbRecords[i]
			i++
		case i >= len(dbRecords):
			rec = fsRecords[j]
			j++
		case recordLess(fsRecords[j], dbRecords[i]):
			rec = fsRecords[j]
			j++
		default:
			rec = dbRecords[i]
			i++
		}

		if rec.Path == prev {
			continue
		}
		prev = rec.Path
		h.publishRecord(rec, conn, impl)
		count++
	}

	span.SetAttributes(attribute.Int("records", count))
	h.obs.ReplayFinished(count)
	return nil
}

// publishRecord interprets one replay record and delivers it. An
// interpretation error is reported to the subscribing connection but does
// not abort the remaining replay.
func (h *Hub) publishRecord(rec Record, conn Conn, impl Impl) {
	msg, err := impl.OnEvent(rec.Path, OpSow, rec.Content)
	if err != nil {
		h.logger.Error("error replaying record", "path", rec.Path, "error", err)
		conn.SendError(err.Error(), true)
		return
	}
	if msg == nil {
		return
	}
	msg["when"] = rec.When
	if err := conn.Send(msg); err != nil {
		h.logger.Warn("replay send failed", "path", rec.Path, "error", err)
	}
}

// fsSow scans the filesystem side of the state of the world: files under
// dir matching pattern whose modification time is at or after since,
// ascending by (timestamp, path).
func (h *Hub) fsSow(dir, pattern string, since int64) ([]Record, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("pubsub: glob: %w", err)
	}

	var records []Record
	for _, name := range matches {
		// Unlike shell globbing, filepath.Glob matches leading dots.
		if strings.HasPrefix(filepath.Base(name), tmpPrefix) {
			continue
		}
		fi, err := os.Stat(name)
		if err != nil {
			// Deleted between glob and stat.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("pubsub: stat %s: %w", name, err)
		}
		if fi.IsDir() || fi.ModTime().Unix() < since {
			continue
		}
		content, err := os.ReadFile(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("pubsub: read %s: %w", name, err)
		}
		records = append(records, Record{
			When:    fi.ModTime().Unix(),
			Path:    strings.TrimPrefix(name, h.root),
			Content: content,
		})
	}

	sort.Slice(records, func(a, b int) bool {
		return recordLess(records[a], records[b])
	})
	return records, nil
}

// recordLess orders records by (timestamp, path) ascending.
func recordLess(a, b Record) bool {
	if a.When != b.When {
		return a.When < b.When
	}
	return a.Path < b.Path
}
