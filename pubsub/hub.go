package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/MS-tegart/treadmill/dirwatch"
)

// DefaultWaitInterval is how long the watch loop waits for filesystem
// events before treating the pass as idle and running GC.
const DefaultWaitInterval = 10 * time.Second

// tmpPrefix marks temporary and system files. Events on such paths never
// reach a topic implementation.
const tmpPrefix = "."

// doneMarker is the sentinel whose presence in a directory signals that
// sibling deletions are part of an archival move into the historical store,
// not real removals.
const doneMarker = ".done"

// Config configures a Hub.
type Config struct {
	// Root is the directory all subscription directories are resolved
	// under. Required.
	Root string

	// Watcher overrides the directory watcher. When nil the hub creates
	// its own fsnotify-backed watcher.
	Watcher dirwatch.Watcher

	// WaitInterval bounds each watch-loop wait (default 10s). It also
	// caps how stale a dead subscription can get before GC reaps it.
	WaitInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Observer receives dispatch and replay notifications for metrics.
	Observer Observer

	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer
}

// subscription is one registered (pattern, connection, topic) triple. It is
// owned by the directory bucket it was registered under and lives until its
// connection goes inactive.
type subscription struct {
	pattern string
	conn    Conn
	impl    Impl
}

// Hub owns the mapping from watched directory to active subscriptions,
// drives the directory watcher, performs state-of-the-world replay for new
// subscriptions, and fans live events out to matching connections.
//
// All mutation of the subscription map happens under mu: the watch loop
// during dispatch and GC, connection handlers during Register. Message
// delivery crosses into connection goroutines only through each connection's
// send queue.
type Hub struct {
	root     string
	watcher  dirwatch.Watcher
	interval time.Duration
	logger   *slog.Logger
	obs      Observer
	tracer   trace.Tracer

	mu       sync.Mutex
	handlers map[string][]*subscription
}

// NewHub creates a hub rooted at cfg.Root.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Root == "" {
		return nil, errors.New("pubsub: root directory is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("pubsub: resolve root: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otelapi.GetTracerProvider().Tracer("treadmill/pubsub")
	}
	interval := cfg.WaitInterval
	if interval <= 0 {
		interval = DefaultWaitInterval
	}

	h := &Hub{
		root:     root,
		interval: interval,
		logger:   logger,
		obs:      obs,
		tracer:   tracer,
		handlers: make(map[string][]*subscription),
	}

	h.watcher = cfg.Watcher
	if h.watcher == nil {
		w, err := dirwatch.New(dirwatch.Config{
			OnCreated:  h.onCreated,
			OnModified: h.onModified,
			OnDeleted:  h.onDeleted,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		h.watcher = w
	}
	return h, nil
}

// Root returns the hub's resolved root directory.
func (h *Hub) Root() string {
	return h.root
}

// Register subscribes conn to files matching pattern under directory
// (resolved against the hub root), interpreted by impl. The subscription
// immediately receives a state-of-the-world replay of records with
// timestamp >= since; live events follow. The first registration on a
// directory puts it under watch; further registrations reuse the watch.
func (h *Hub) Register(directory, pattern string, conn Conn, impl Impl, since int64) error {
	if _, err := filepath.Match(pattern, "probe"); err != nil {
		return fmt.Errorf("pubsub: bad pattern %q: %w", pattern, err)
	}
	norm := filepath.Join(h.root, strings.TrimLeft(directory, "/"))

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.handlers[norm]) == 0 {
		if err := os.MkdirAll(norm, 0o755); err != nil {
			return fmt.Errorf("pubsub: create %s: %w", norm, err)
		}
		if err := h.watcher.AddDir(norm); err != nil {
			return err
		}
		h.logger.Info("added directory watch", "directory", directory)
	}
	h.handlers[norm] = append(h.handlers[norm], &subscription{
		pattern: pattern,
		conn:    conn,
		impl:    impl,
	})
	h.obs.WatchedDirs(len(h.handlers))

	return h.sow(norm, pattern, since, conn, impl)
}

// onCreated handles a file-created notification.
func (h *Hub) onCreated(path string) error {
	if strings.HasPrefix(filepath.Base(path), tmpPrefix) {
		return nil
	}
	h.logger.Debug("created", "path", path)
	return h.handleFile(OpCreated, path)
}

// onModified handles a file-modified notification.
func (h *Hub) onModified(path string) error {
	if strings.HasPrefix(filepath.Base(path), tmpPrefix) {
		return nil
	}
	h.logger.Debug("modified", "path", path)
	return h.handleFile(OpModified, path)
}

// onDeleted handles a file-deleted notification. Deletions are suppressed
// while the directory's done marker exists: the archival protocol deletes
// every data file first (ignored because the marker is present), then the
// marker itself (ignored because it carries the temporary prefix).
func (h *Hub) onDeleted(path string) error {
	if strings.HasPrefix(filepath.Base(path), tmpPrefix) {
		return nil
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), doneMarker)); err == nil {
		return nil
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return nil
	}

	h.logger.Debug("deleted", "path", path)
	h.dispatch(path, OpDeleted, nil, time.Now().Unix())
	return nil
}

// handleFile reads the file behind a create/modify notification and
// dispatches the event. A file that vanished between notification and read
// degrades to a deletion; that race is benign.
func (h *Hub) handleFile(op Op, path string) error {
	var (
		content []byte
		when    int64
	)
	fi, err := os.Stat(path)
	if err == nil {
		when = fi.ModTime().Unix()
		content, err = os.ReadFile(path)
	}
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("pubsub: read %s: %w", path, err)
		}
		op = OpDeleted
		content = nil
		when = time.Now().Unix()
	}

	h.dispatch(path, op, content, when)
	return nil
}

// dispatch fans an event out to every live subscription on the event's
// directory whose pattern matches the filename. An interpretation error on
// one subscription is reported to that connection alone and does not stop
// delivery to the rest.
func (h *Hub) dispatch(path string, op Op, content []byte, when int64) {
	dir := filepath.Dir(path)
	filename := filepath.Base(path)
	rel := strings.TrimPrefix(path, h.root)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.obs.EventDispatched(op)
	for _, sub := range h.handlers[dir] {
		if !sub.conn.Active() {
			continue
		}
		if ok, _ := filepath.Match(sub.pattern, filename); !ok {
			continue
		}

		msg, err := sub.impl.OnEvent(rel, op, content)
		if err != nil {
			h.logger.Error("error handling event",
				"path", rel, "op", string(op), "error", err)
			sub.conn.SendError(fmt.Sprintf("%T: %v", err, err), true)
			h.obs.DeliveryFailed()
			continue
		}
		if msg == nil {
			continue
		}
		msg["when"] = when
		if err := sub.conn.Send(msg); err != nil {
			h.logger.Warn("send failed", "path", rel, "error", err)
			h.obs.DeliveryFailed()
			continue
		}
		h.obs.MessageDelivered()
	}
}

// gc drops subscriptions whose connection went inactive and un-watches
// directories left with none.
func (h *Hub) gc() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for dir, subs := range h.handlers {
		live := subs[:0]
		for _, sub := range subs {
			if sub.conn.Active() {
				live = append(live, sub)
			}
		}
		if len(live) == 0 {
			h.logger.Info("no active subscriptions", "directory", dir)
			if err := h.watcher.RemoveDir(dir); err != nil {
				h.logger.Warn("remove watch", "directory", dir, "error", err)
			}
			delete(h.handlers, dir)
			continue
		}
		h.handlers[dir] = live
	}
	h.obs.WatchedDirs(len(h.handlers))
}

// Step performs one watch-loop pass: wait up to timeout for events, then
// either process all pending events or, when the wait timed out idle, run
// GC.
func (h *Hub) Step(timeout time.Duration) error {
	if h.watcher.WaitForEvents(timeout) {
		if err := h.watcher.ProcessEvents(); err != nil {
			return fmt.Errorf("pubsub: process events: %w", err)
		}
		return nil
	}
	h.gc()
	return nil
}

// Run drives the watch loop until ctx is cancelled or event processing
// fails.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := h.Step(h.interval); err != nil {
			return err
		}
	}
}

// RunDetached runs the watch loop on its own goroutine and returns the
// channel its terminal error is delivered on.
func (h *Hub) RunDetached(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- h.Run(ctx)
	}()
	return errc
}

// Close stops the directory watcher.
func (h *Hub) Close() error {
	return h.watcher.Close()
}
