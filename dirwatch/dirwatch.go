// Package dirwatch monitors a dynamic set of directories for file
// create/modify/delete events. It wraps fsnotify with a pull-style API:
// callers wait for pending events with a bounded timeout, then drain and
// process them synchronously on their own goroutine. This keeps all event
// handling single-threaded regardless of how the OS delivers notifications.
package dirwatch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op identifies the kind of filesystem change observed on a path.
type Op int

const (
	// OpCreated indicates a new file appeared.
	OpCreated Op = iota

	// OpModified indicates an existing file was written to.
	OpModified

	// OpDeleted indicates a file was removed or renamed away.
	OpDeleted
)

// Watcher is the directory-watch contract consumed by the pub/sub hub.
// AddDir and RemoveDir adjust the watched set; WaitForEvents blocks until
// events are pending or the timeout elapses; ProcessEvents drains pending
// events and invokes the registered callbacks.
type Watcher interface {
	AddDir(path string) error
	RemoveDir(path string) error
	WaitForEvents(timeout time.Duration) bool
	ProcessEvents() error
	Close() error
}

// Config configures an FSWatcher. The three callbacks are invoked from
// ProcessEvents, on the caller's goroutine. A callback returning an error
// aborts the current ProcessEvents pass.
type Config struct {
	OnCreated  func(path string) error
	OnModified func(path string) error
	OnDeleted  func(path string) error

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type event struct {
	path string
	op   Op
}

// FSWatcher implements Watcher on top of fsnotify. OS notifications are
// queued by a background goroutine; WaitForEvents and ProcessEvents expose
// them to a single consumer.
type FSWatcher struct {
	fs     *fsnotify.Watcher
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending []event
	dirs    map[string]struct{}
	notify  chan struct{}
	done    chan struct{}
}

// New creates an FSWatcher with no directories under watch.
func New(cfg Config) (*FSWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dirwatch: new watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &FSWatcher{
		fs:     fs,
		cfg:    cfg,
		logger: logger,
		dirs:   make(map[string]struct{}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.collect()
	return w, nil
}

// AddDir puts a directory under watch. Adding an already-watched directory
// is a no-op.
func (w *FSWatcher) AddDir(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.dirs[path]; ok {
		return nil
	}
	if err := w.fs.Add(path); err != nil {
		return fmt.Errorf("dirwatch: add %s: %w", path, err)
	}
	w.dirs[path] = struct{}{}
	w.logger.Info("watching directory", "path", path)
	return nil
}

// RemoveDir takes a directory out of the watched set. Removing a directory
// that is not watched is a no-op.
func (w *FSWatcher) RemoveDir(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.dirs[path]; !ok {
		return nil
	}
	delete(w.dirs, path)
	if err := w.fs.Remove(path); err != nil {
		// The kernel drops the watch itself when the directory is
		// deleted; treat that as already-removed.
		w.logger.Debug("remove watch", "path", path, "error", err)
		return nil
	}
	w.logger.Info("stopped watching directory", "path", path)
	return nil
}

// WaitForEvents blocks until at least one event is pending or the timeout
// elapses. It returns true if events are pending. A zero timeout polls.
func (w *FSWatcher) WaitForEvents(timeout time.Duration) bool {
	if w.hasPending() {
		return true
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-w.notify:
			if w.hasPending() {
				return true
			}
		case <-timer.C:
			return w.hasPending()
		case <-w.done:
			return w.hasPending()
		}
	}
}

// ProcessEvents drains all pending events and invokes the configured
// callbacks in arrival order. The first callback error aborts the pass;
// remaining events stay queued.
func (w *FSWatcher) ProcessEvents() error {
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			return nil
		}
		ev := w.pending[0]
		w.pending = w.pending[1:]
		w.mu.Unlock()

		var cb func(string) error
		switch ev.op {
		case OpCreated:
			cb = w.cfg.OnCreated
		case OpModified:
			cb = w.cfg.OnModified
		case OpDeleted:
			cb = w.cfg.OnDeleted
		}
		if cb == nil {
			continue
		}
		if err := cb(ev.path); err != nil {
			return err
		}
	}
}

// Close stops the watcher. Pending events are discarded.
func (w *FSWatcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	return w.fs.Close()
}

func (w *FSWatcher) hasPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) > 0
}

// collect runs on a background goroutine, translating fsnotify events into
// the pending queue.
func (w *FSWatcher) collect() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			var op Op
			switch {
			case ev.Has(fsnotify.Create):
				op = OpCreated
			case ev.Has(fsnotify.Write):
				op = OpModified
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				op = OpDeleted
			default:
				// Chmod and friends carry no content change.
				continue
			}
			w.enqueue(event{path: ev.Name, op: op})
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *FSWatcher) enqueue(ev event) {
	w.mu.Lock()
	w.pending = append(w.pending, ev)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Compile-time interface check.
var _ Watcher = (*FSWatcher)(nil)
