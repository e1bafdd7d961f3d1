// Package wsapi is the websocket-facing protocol layer. It decodes
// subscribe requests, resolves them against the topic registry, registers
// the resulting routes with the pub/sub hub, and encodes outgoing messages
// and error frames.
package wsapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MS-tegart/treadmill/pubsub"
	"github.com/MS-tegart/treadmill/topic"
)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Hub receives subscription registrations.
	Hub *pubsub.Hub

	// Topics resolves topic names from subscribe requests.
	Topics *topic.Registry

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// CheckOrigin overrides the websocket origin check; by default all
	// origins are accepted, matching the trusted-network deployment.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades HTTP requests to websocket sessions and serves the
// subscribe protocol on each.
type Handler struct {
	hub      *pubsub.Hub
	topics   *topic.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket protocol handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:    cfg.Hub,
		topics: cfg.Topics,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// ServeHTTP upgrades the request and runs the session's read loop. Each
// inbound message is an independent subscribe request; a session may fan
// out to many (directory, pattern) registrations.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := uuid.NewString()
	conn := newWSConn(session, ws, h.logger)
	h.logger.Info("connection opened", "session", session, "remote", r.RemoteAddr)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		h.subscribe(conn, data)
	}

	_ = conn.Close()
	h.logger.Info("connection closed", "session", session)
}

// subscribe handles one decoded subscribe request on a session.
func (h *Handler) subscribe(conn *wsConn, data []byte) {
	if h.hub == nil || h.topics == nil {
		h.logger.Error("no pub/sub hub configured")
		conn.SendError("Fatal: unexpected error", true)
		return
	}

	var req pubsub.Request
	if err := json.Unmarshal(data, &req); err != nil {
		conn.SendError(fmt.Sprintf("malformed request: %v", err), true)
		return
	}

	name, ok := req["topic"].(string)
	if !ok || name == "" {
		conn.SendError("missing topic", true)
		return
	}
	impl, ok := h.topics.Lookup(name)
	if !ok {
		conn.SendError(fmt.Sprintf("Invalid topic: %q", name), true)
		return
	}

	since := intField(req, "since")
	snapshot, _ := req["snapshot"].(bool)

	routes, err := impl.Subscribe(req)
	if err != nil {
		conn.SendError(err.Error(), true)
		return
	}
	for _, route := range routes {
		if err := h.hub.Register(route.Directory, route.Pattern, conn, impl, since); err != nil {
			conn.SendError(err.Error(), true)
			return
		}
	}

	// Snapshot subscriptions end after replay, before any live event.
	if snapshot {
		_ = conn.Close()
	}
}

// intField reads an optional integer field from a decoded JSON object.
func intField(req pubsub.Request, key string) int64 {
	switch v := req[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
