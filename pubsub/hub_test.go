package pubsub

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeConn records deliveries in-process.
type fakeConn struct {
	active bool
	msgs   []Message
	errs   []string
}

func newFakeConn() *fakeConn { return &fakeConn{active: true} }

func (c *fakeConn) Active() bool { return c.active }

func (c *fakeConn) Send(msg Message) error {
	if !c.active {
		return errors.New("connection closed")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) SendError(errStr string, closeConn bool) {
	c.errs = append(c.errs, errStr)
	if closeConn {
		c.active = false
	}
}

func (c *fakeConn) Close() error {
	c.active = false
	return nil
}

// fakeWatcher records watch registrations; it never reports events.
type fakeWatcher struct {
	added   []string
	removed []string
}

func (w *fakeWatcher) AddDir(path string) error {
	w.added = append(w.added, path)
	return nil
}

func (w *fakeWatcher) RemoveDir(path string) error {
	w.removed = append(w.removed, path)
	return nil
}

func (w *fakeWatcher) WaitForEvents(time.Duration) bool { return false }
func (w *fakeWatcher) ProcessEvents() error             { return nil }
func (w *fakeWatcher) Close() error                     { return nil }

// echoImpl reflects events back as messages. failOn makes interpretation of
// a specific path fail; sow attaches a historical store.
type echoImpl struct {
	failOn string
	sow    Querier
	seen   []string
}

func (i *echoImpl) Subscribe(req Request) ([]Route, error) {
	return []Route{{Directory: "/endpoints", Pattern: "*"}}, nil
}

func (i *echoImpl) OnEvent(path string, op Op, content []byte) (Message, error) {
	i.seen = append(i.seen, path)
	if path == i.failOn {
		return nil, fmt.Errorf("interpret %s: malformed content", path)
	}
	msg := Message{"path": path, "op": string(op)}
	if content != nil {
		msg["content"] = string(content)
	}
	return msg, nil
}

func (i *echoImpl) Sow() Querier { return i.sow }

func newTestHub(t *testing.T, w *fakeWatcher) *Hub {
	t.Helper()
	h, err := NewHub(Config{Root: t.TempDir(), Watcher: w})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	return h
}

func writeState(t *testing.T, h *Hub, rel, content string) string {
	t.Helper()
	path := filepath.Join(h.Root(), rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHub_DispatchFanOut(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})
	wild1, wild2, exact := newFakeConn(), newFakeConn(), newFakeConn()

	for _, reg := range []struct {
		pattern string
		conn    *fakeConn
	}{
		{"*", wild1},
		{"*", wild2},
		{"svc1", exact},
	} {
		if err := h.Register("/endpoints", reg.pattern, reg.conn, &echoImpl{}, 0); err != nil {
			t.Fatalf("Register(%q): %v", reg.pattern, err)
		}
	}

	path := writeState(t, h, "endpoints/svc2", "host1:8000")
	if err := h.onCreated(path); err != nil {
		t.Fatalf("onCreated: %v", err)
	}

	for name, conn := range map[string]*fakeConn{"wild1": wild1, "wild2": wild2} {
		if len(conn.msgs) != 1 {
			t.Fatalf("%s: got %d messages, want 1", name, len(conn.msgs))
		}
		msg := conn.msgs[0]
		if msg["path"] != "/endpoints/svc2" {
			t.Errorf("%s: path = %v", name, msg["path"])
		}
		if msg["op"] != "c" {
			t.Errorf("%s: op = %v", name, msg["op"])
		}
		if when, ok := msg["when"].(int64); !ok || when <= 0 {
			t.Errorf("%s: when = %v", name, msg["when"])
		}
	}
	if len(exact.msgs) != 0 {
		t.Errorf("exact-pattern subscriber received %d messages for svc2", len(exact.msgs))
	}
}

func TestHub_RegisterWatchIdempotent(t *testing.T) {
	w := &fakeWatcher{}
	h := newTestHub(t, w)

	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.Register("/endpoints", "svc*", conn, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if len(w.added) != 1 {
		t.Errorf("watcher.AddDir called %d times, want 1", len(w.added))
	}
	if _, err := os.Stat(filepath.Join(h.Root(), "endpoints")); err != nil {
		t.Errorf("registered directory not created: %v", err)
	}
}

func TestHub_TemporaryFilesIgnored(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})
	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	path := writeState(t, h, "endpoints/.tmp123", "partial")
	if err := h.onCreated(path); err != nil {
		t.Fatalf("onCreated: %v", err)
	}
	if err := h.onModified(path); err != nil {
		t.Fatalf("onModified: %v", err)
	}
	if err := h.onDeleted(path); err != nil {
		t.Fatalf("onDeleted: %v", err)
	}

	if len(conn.msgs) != 0 {
		t.Errorf("temporary file produced %d messages", len(conn.msgs))
	}
}

func TestHub_MissingFileDegradesToDelete(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})
	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Notification arrives after the file is already gone.
	gone := filepath.Join(h.Root(), "endpoints", "svc9")
	if err := h.onCreated(gone); err != nil {
		t.Fatalf("onCreated: %v", err)
	}

	if len(conn.msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(conn.msgs))
	}
	if op := conn.msgs[0]["op"]; op != "d" {
		t.Errorf("op = %v, want d", op)
	}
	if _, hasContent := conn.msgs[0]["content"]; hasContent {
		t.Error("deletion message carries content")
	}
}

func TestHub_DoneMarkerSuppressesDeletes(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})
	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	path := writeState(t, h, "endpoints/svc1", "host1:8000")
	marker := writeState(t, h, "endpoints/.done", "")

	if err := h.onDeleted(path); err != nil {
		t.Fatalf("onDeleted: %v", err)
	}
	if len(conn.msgs) != 0 {
		t.Fatalf("delete under done marker produced %d messages", len(conn.msgs))
	}

	// Once the marker is gone, deletions are live again.
	if err := os.Remove(marker); err != nil {
		t.Fatal(err)
	}
	if err := h.onDeleted(path); err != nil {
		t.Fatalf("onDeleted: %v", err)
	}
	if len(conn.msgs) != 1 {
		t.Fatalf("got %d messages after marker removal, want 1", len(conn.msgs))
	}
	if op := conn.msgs[0]["op"]; op != "d" {
		t.Errorf("op = %v, want d", op)
	}
}

func TestHub_DirectoryDeleteIgnored(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})
	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sub := filepath.Join(h.Root(), "endpoints", "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := h.onDeleted(sub); err != nil {
		t.Fatalf("onDeleted: %v", err)
	}
	if len(conn.msgs) != 0 {
		t.Errorf("directory deletion produced %d messages", len(conn.msgs))
	}
}

func TestHub_DispatchErrorDoesNotBlockOthers(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})
	failing, healthy := newFakeConn(), newFakeConn()

	if err := h.Register("/endpoints", "*", failing, &echoImpl{failOn: "/endpoints/svc2"}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.Register("/endpoints", "*", healthy, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	path := writeState(t, h, "endpoints/svc2", "host1:8000")
	if err := h.onCreated(path); err != nil {
		t.Fatalf("onCreated: %v", err)
	}

	if len(failing.errs) != 1 {
		t.Errorf("failing subscriber got %d error frames, want 1", len(failing.errs))
	}
	if len(healthy.msgs) != 1 {
		t.Errorf("healthy subscriber got %d messages, want 1", len(healthy.msgs))
	}
	if len(healthy.errs) != 0 {
		t.Errorf("healthy subscriber got error frames: %v", healthy.errs)
	}
}

func TestHub_GCRemovesDeadSubscriptions(t *testing.T) {
	w := &fakeWatcher{}
	h := newTestHub(t, w)

	dead, live := newFakeConn(), newFakeConn()
	if err := h.Register("/endpoints", "*", dead, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.Register("/identity-groups", "*", live, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	dead.active = false

	// The fake watcher reports no events, so Step treats the pass as
	// idle and runs GC.
	if err := h.Step(0); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if len(w.removed) != 1 {
		t.Fatalf("watcher.RemoveDir called %d times, want 1", len(w.removed))
	}
	if want := filepath.Join(h.Root(), "endpoints"); w.removed[0] != want {
		t.Errorf("removed %q, want %q", w.removed[0], want)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[filepath.Join(h.Root(), "endpoints")]; ok {
		t.Error("dead directory still has a bucket")
	}
	if _, ok := h.handlers[filepath.Join(h.Root(), "identity-groups")]; !ok {
		t.Error("live directory bucket was dropped")
	}
}

func TestHub_GCKeepsDirectoryWithOneLiveSubscription(t *testing.T) {
	w := &fakeWatcher{}
	h := newTestHub(t, w)

	dead, live := newFakeConn(), newFakeConn()
	for _, conn := range []*fakeConn{dead, live} {
		if err := h.Register("/endpoints", "*", conn, &echoImpl{}, 0); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	dead.active = false

	if err := h.Step(0); err != nil {
		t.Fatalf("Step: %v", err)
	}

	if len(w.removed) != 0 {
		t.Errorf("watch removed while a live subscription remains")
	}

	path := writeState(t, h, "endpoints/svc1", "host1:8000")
	if err := h.onCreated(path); err != nil {
		t.Fatalf("onCreated: %v", err)
	}
	if len(live.msgs) != 1 {
		t.Errorf("live subscriber got %d messages after GC, want 1", len(live.msgs))
	}
	if len(dead.msgs) != 0 {
		t.Errorf("dead subscriber got %d messages", len(dead.msgs))
	}
}

func TestHub_BadPatternRejected(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})
	if err := h.Register("/endpoints", "[", newFakeConn(), &echoImpl{}, 0); err == nil {
		t.Fatal("Register accepted a malformed pattern")
	}
}
