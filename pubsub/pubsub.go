// Package pubsub is the event-distribution core of the control plane. A Hub
// watches a tree of on-disk state files and streams changes to subscribed
// connections, each filtered by topic and glob pattern. New subscriptions
// first receive a state-of-the-world replay merged from the historical store
// and the live filesystem, then live updates.
package pubsub

// Op identifies how a file changed. The zero value marks a state-of-the-world
// replay record, which topic implementations may treat differently from live
// traffic.
type Op string

const (
	// OpSow marks a record replayed from the state of the world.
	OpSow Op = ""

	// OpCreated marks a newly created file.
	OpCreated Op = "c"

	// OpModified marks a modified file.
	OpModified Op = "m"

	// OpDeleted marks a deleted file. Deletions carry no content.
	OpDeleted Op = "d"
)

// Message is a topic-defined payload delivered to a subscriber. The hub
// injects a "when" field (unix seconds) before delivery.
type Message map[string]any

// Request is a decoded subscribe request. Beyond the protocol-level fields
// (topic, since, snapshot) it carries topic-specific fields consumed by that
// topic's Subscribe.
type Request map[string]any

// Route is one (directory, glob pattern) pair of interest returned by a
// topic's Subscribe. Directory is interpreted relative to the hub root.
type Route struct {
	Directory string
	Pattern   string
}

// Conn is one client session as seen by the hub. Implementations deliver
// messages through a per-connection send queue; Send must not block the
// caller indefinitely.
type Conn interface {
	// Active reports whether the session can still receive messages.
	// Inactive connections are reaped by hub GC.
	Active() bool

	// Send delivers a message to the client.
	Send(msg Message) error

	// SendError delivers an error frame to the client, closing the
	// connection afterwards when closeConn is set.
	SendError(errStr string, closeConn bool)

	// Close terminates the session.
	Close() error
}

// Impl is a pluggable topic implementation. Subscribe resolves a request
// into the routes it wants events for; OnEvent interprets a raw file change
// (or replay record, op == OpSow) into a message. Returning a nil message
// suppresses the event for this topic.
type Impl interface {
	Subscribe(req Request) ([]Route, error)
	OnEvent(path string, op Op, content []byte) (Message, error)
}

// Record is one state-of-the-world entry: the file's modification time in
// unix seconds, its hub-relative path, and its content at that time.
type Record struct {
	When    int64
	Path    string
	Content []byte
}

// Querier reads records from a historical store. Query returns all records
// whose path matches the glob and whose timestamp is at or after since,
// ordered ascending by (timestamp, path).
type Querier interface {
	Query(glob string, since int64) ([]Record, error)
}

// SowSource is the optional historical-store capability of a topic
// implementation. A nil Querier means no store is available.
type SowSource interface {
	Sow() Querier
}

// Observer receives hub activity notifications for metrics. All methods may
// be called from the watch loop and must not block.
type Observer interface {
	EventDispatched(op Op)
	MessageDelivered()
	DeliveryFailed()
	ReplayFinished(records int)
	WatchedDirs(active int)
}

type nopObserver struct{}

func (nopObserver) EventDispatched(Op)   {}
func (nopObserver) MessageDelivered()    {}
func (nopObserver) DeliveryFailed()      {}
func (nopObserver) ReplayFinished(int)   {}
func (nopObserver) WatchedDirs(int)      {}
