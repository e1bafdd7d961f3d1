package topic

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MS-tegart/treadmill/pubsub"
)

// IdentityGroupsTopic is the name the identity-groups topic registers under.
const IdentityGroupsTopic = "/identity-groups"

// IdentityGroups streams identity-group membership. State files live under
// /identity-groups/<group>/<identity> and carry a YAML document describing
// the assignment (app, host).
type IdentityGroups struct {
	store pubsub.Querier
}

// NewIdentityGroups creates the identity-groups topic. A nil store disables
// historical replay.
func NewIdentityGroups(store pubsub.Querier) *IdentityGroups {
	return &IdentityGroups{store: store}
}

// Subscribe resolves a request into the group directory of interest. The
// optional "identity-group" field is a glob over group names, default "*".
func (g *IdentityGroups) Subscribe(req pubsub.Request) ([]pubsub.Route, error) {
	group := stringField(req, "identity-group", "*")
	return []pubsub.Route{
		{Directory: path.Join(IdentityGroupsTopic, group), Pattern: "*"},
	}, nil
}

// OnEvent interprets one identity file change. Paths outside the topic's
// tree are suppressed.
func (g *IdentityGroups) OnEvent(p string, op pubsub.Op, content []byte) (pubsub.Message, error) {
	full, ok := strings.CutPrefix(p, IdentityGroupsTopic+"/")
	if !ok {
		return nil, nil
	}
	idx := strings.LastIndex(full, "/")
	if idx < 0 {
		return nil, fmt.Errorf("topic: malformed identity path %q", p)
	}
	group, idStr := full[:idx], full[idx+1:]
	identity, err := strconv.Atoi(idStr)
	if err != nil {
		return nil, fmt.Errorf("topic: identity %q: %w", idStr, err)
	}

	msg := pubsub.Message{
		"topic":          IdentityGroupsTopic,
		"identity-group": group,
		"identity":       identity,
		"app":            nil,
		"host":           nil,
		"sow":            op == pubsub.OpSow,
	}
	if len(content) > 0 {
		var payload map[string]any
		if err := yaml.Unmarshal(content, &payload); err != nil {
			return nil, fmt.Errorf("topic: parse identity %d: %w", identity, err)
		}
		for key, value := range payload {
			msg[key] = value
		}
	}
	return msg, nil
}

// Sow exposes the historical store for replay.
func (g *IdentityGroups) Sow() pubsub.Querier {
	return g.store
}

// Compile-time capability checks.
var _ pubsub.Impl = (*IdentityGroups)(nil)
var _ pubsub.SowSource = (*IdentityGroups)(nil)
