package pubsub

import (
	"os"
	"testing"
	"time"
)

// fakeQuerier returns canned historical-store records and captures the
// query it was given.
type fakeQuerier struct {
	records []Record
	glob    string
	since   int64
}

func (q *fakeQuerier) Query(glob string, since int64) ([]Record, error) {
	q.glob = glob
	q.since = since
	var out []Record
	for _, rec := range q.records {
		if rec.When >= since {
			out = append(out, rec)
		}
	}
	return out, nil
}

func touch(t *testing.T, path string, when int64) {
	t.Helper()
	ts := time.Unix(when, 0)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}
}

func TestSOW_MergesStoreAndFilesystem(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})

	path := writeState(t, h, "endpoints/svc1", "host1:8000")
	touch(t, path, 100)

	impl := &echoImpl{sow: &fakeQuerier{records: []Record{
		{When: 50, Path: "/endpoints/svc0", Content: []byte("A")},
	}}}

	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, impl, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if len(conn.msgs) != 2 {
		t.Fatalf("got %d replay messages, want 2: %v", len(conn.msgs), conn.msgs)
	}
	if got := conn.msgs[0]["path"]; got != "/endpoints/svc0" {
		t.Errorf("first replay path = %v, want /endpoints/svc0", got)
	}
	if got := conn.msgs[1]["path"]; got != "/endpoints/svc1" {
		t.Errorf("second replay path = %v, want /endpoints/svc1", got)
	}
	for i, msg := range conn.msgs {
		if msg["op"] != "" {
			t.Errorf("replay message %d has live op %v", i, msg["op"])
		}
	}
	if conn.msgs[0]["when"] != int64(50) || conn.msgs[1]["when"] != int64(100) {
		t.Errorf("replay timestamps = %v, %v; want 50, 100",
			conn.msgs[0]["when"], conn.msgs[1]["when"])
	}

	// No snapshot flag: the connection stays open for live traffic.
	if !conn.Active() {
		t.Error("connection closed after plain replay")
	}
}

func TestSOW_SinceFiltersBothSources(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})

	old := writeState(t, h, "endpoints/old", "x")
	touch(t, old, 100)
	recent := writeState(t, h, "endpoints/recent", "y")
	touch(t, recent, 300)

	q := &fakeQuerier{records: []Record{
		{When: 50, Path: "/endpoints/ancient", Content: []byte("z")},
		{When: 250, Path: "/endpoints/kept", Content: []byte("k")},
	}}
	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, &echoImpl{sow: q}, 200); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if q.glob != "/endpoints/*" {
		t.Errorf("store glob = %q, want /endpoints/*", q.glob)
	}
	if q.since != 200 {
		t.Errorf("store since = %d, want 200", q.since)
	}

	var paths []string
	for _, msg := range conn.msgs {
		paths = append(paths, msg["path"].(string))
	}
	want := []string{"/endpoints/kept", "/endpoints/recent"}
	if len(paths) != len(want) {
		t.Fatalf("replayed %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("replay[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestSOW_DuplicatePathDeliveredOnce(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})

	path := writeState(t, h, "endpoints/svc1", "live-content")
	touch(t, path, 150)

	impl := &echoImpl{sow: &fakeQuerier{records: []Record{
		{When: 100, Path: "/endpoints/svc1", Content: []byte("stored-content")},
	}}}
	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, impl, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if len(conn.msgs) != 1 {
		t.Fatalf("got %d messages for a duplicated path, want 1", len(conn.msgs))
	}
	// The earlier-timestamped occurrence wins.
	if conn.msgs[0]["when"] != int64(100) {
		t.Errorf("when = %v, want 100", conn.msgs[0]["when"])
	}
	if conn.msgs[0]["content"] != "stored-content" {
		t.Errorf("content = %v, want stored-content", conn.msgs[0]["content"])
	}
}

func TestSOW_TimestampTiesOrderedByPath(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})

	for _, name := range []string{"bbb", "aaa"} {
		path := writeState(t, h, "endpoints/"+name, name)
		touch(t, path, 100)
	}

	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if len(conn.msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(conn.msgs))
	}
	if conn.msgs[0]["path"] != "/endpoints/aaa" || conn.msgs[1]["path"] != "/endpoints/bbb" {
		t.Errorf("tie order = %v, %v; want aaa then bbb",
			conn.msgs[0]["path"], conn.msgs[1]["path"])
	}
}

func TestSOW_ReplayErrorDoesNotAbortRemainder(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})

	bad := writeState(t, h, "endpoints/bad", "x")
	touch(t, bad, 100)
	good := writeState(t, h, "endpoints/good", "y")
	touch(t, good, 200)

	impl := &echoImpl{failOn: "/endpoints/bad"}
	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, impl, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if len(conn.errs) != 1 {
		t.Fatalf("got %d error frames, want 1", len(conn.errs))
	}
	// The record after the failing one is still interpreted.
	var sawGood bool
	for _, p := range impl.seen {
		if p == "/endpoints/good" {
			sawGood = true
		}
	}
	if !sawGood {
		t.Error("replay stopped at the failing record")
	}
}

func TestSOW_TemporaryFilesExcluded(t *testing.T) {
	h := newTestHub(t, &fakeWatcher{})

	visible := writeState(t, h, "endpoints/svc1", "x")
	touch(t, visible, 100)
	hidden := writeState(t, h, "endpoints/.partial", "y")
	touch(t, hidden, 100)

	conn := newFakeConn()
	if err := h.Register("/endpoints", "*", conn, &echoImpl{}, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if len(conn.msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(conn.msgs))
	}
	if conn.msgs[0]["path"] != "/endpoints/svc1" {
		t.Errorf("replayed %v, want /endpoints/svc1", conn.msgs[0]["path"])
	}
}
