package topic

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/MS-tegart/treadmill/pubsub"
)

// EndpointsTopic is the name the endpoints topic registers under.
const EndpointsTopic = "/endpoints"

// Endpoints streams service endpoint registrations. State files live under
// /endpoints/<name> and carry "host:port".
type Endpoints struct {
	store pubsub.Querier
}

// NewEndpoints creates the endpoints topic. A nil store disables historical
// replay.
func NewEndpoints(store pubsub.Querier) *Endpoints {
	return &Endpoints{store: store}
}

// Subscribe resolves a request into the endpoints directory. The optional
// "filter" field is a glob over endpoint names, default "*".
func (e *Endpoints) Subscribe(req pubsub.Request) ([]pubsub.Route, error) {
	filter := stringField(req, "filter", "*")
	return []pubsub.Route{
		{Directory: EndpointsTopic, Pattern: filter},
	}, nil
}

// OnEvent interprets one endpoint file change. A deletion yields a message
// with nil host and port, telling subscribers the endpoint is gone.
func (e *Endpoints) OnEvent(p string, op pubsub.Op, content []byte) (pubsub.Message, error) {
	if !strings.HasPrefix(p, EndpointsTopic+"/") {
		return nil, nil
	}

	msg := pubsub.Message{
		"topic":    EndpointsTopic,
		"endpoint": path.Base(p),
		"host":     nil,
		"port":     nil,
		"sow":      op == pubsub.OpSow,
	}
	if len(content) > 0 {
		host, portStr, ok := strings.Cut(strings.TrimSpace(string(content)), ":")
		if !ok {
			return nil, fmt.Errorf("topic: malformed endpoint %q", content)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("topic: endpoint port %q: %w", portStr, err)
		}
		msg["host"] = host
		msg["port"] = port
	}
	return msg, nil
}

// Sow exposes the historical store for replay.
func (e *Endpoints) Sow() pubsub.Querier {
	return e.store
}

// Compile-time capability checks.
var _ pubsub.Impl = (*Endpoints)(nil)
var _ pubsub.SowSource = (*Endpoints)(nil)
