package pubsub

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// stepUntil drives the watch loop until ok is satisfied or the deadline
// passes.
func stepUntil(t *testing.T, h *Hub, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := h.Step(100 * time.Millisecond); err != nil {
			t.Fatalf("Step: %v", err)
		}
		if ok() {
			return
		}
	}
	t.Fatal("timed out waiting for watch loop")
}

func TestHub_LiveEventsThroughWatcher(t *testing.T) {
	h, err := NewHub(Config{Root: t.TempDir(), WaitInterval: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	defer h.Close()

	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	path := filepath.Join(h.Root(), "endpoints", "svc1")
	if err := os.WriteFile(path, []byte("host1:8000"), 0o644); err != nil {
		t.Fatal(err)
	}
	stepUntil(t, h, func() bool { return len(conn.msgs) > 0 })

	msg := conn.msgs[0]
	if msg["path"] != "/endpoints/svc1" {
		t.Errorf("path = %v", msg["path"])
	}
	if msg["content"] != "host1:8000" {
		t.Errorf("content = %v", msg["content"])
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	stepUntil(t, h, func() bool {
		for _, m := range conn.msgs {
			if m["op"] == "d" {
				return true
			}
		}
		return false
	})
}

func TestHub_GCUnwatchesAbandonedDirectory(t *testing.T) {
	h, err := NewHub(Config{Root: t.TempDir(), WaitInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	defer h.Close()

	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	conn.active = false

	stepUntil(t, h, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.handlers) == 0
	})
}
