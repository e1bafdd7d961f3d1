// Package topic holds the topic implementations the server exposes and the
// name-to-implementation registry the protocol layer resolves subscribe
// requests against. Each topic interprets raw file changes under its part
// of the state tree into domain messages.
package topic

import (
	"sort"

	"github.com/MS-tegart/treadmill/pubsub"
)

// Registry maps topic names to their implementations. It is built once at
// startup and read-only afterwards.
type Registry struct {
	impls map[string]pubsub.Impl
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{impls: make(map[string]pubsub.Impl)}
}

// Register binds a topic name to an implementation.
func (r *Registry) Register(name string, impl pubsub.Impl) {
	r.impls[name] = impl
}

// Lookup resolves a topic name.
func (r *Registry) Lookup(name string) (pubsub.Impl, bool) {
	impl, ok := r.impls[name]
	return impl, ok
}

// Names returns the registered topic names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.impls))
	for name := range r.impls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stringField reads an optional string field from a subscribe request.
func stringField(req pubsub.Request, key, fallback string) string {
	if v, ok := req[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
