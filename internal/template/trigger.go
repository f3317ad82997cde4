package template

import (
	"context"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

const triggerTemplateName = "http-trigger"

const triggerConfigSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"async": {"type": "boolean"},
		"maxConcurrency": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": true
}`

// TriggerInstance is the live state of an http-trigger node. A trigger fans
// its request out to the downstream agents it is wired to. It holds their
// ids only; instances are resolved at invoke time through the compiled
// graph, so a rebuilt agent is picked up without touching the trigger.
type TriggerInstance struct {
	GraphID string
	NodeID  string

	mu            sync.RWMutex
	config        map[string]any
	downstreamIDs []string
	started       bool
}

// Started reports whether the trigger is accepting invocations.
func (t *TriggerInstance) Started() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

// Invoke delivers the request to every downstream agent as an event and
// returns a result keyed by a thread id derived from the stable node
// identity plus the caller's sub id. resolve maps a node id to its current
// live instance; the trigger never holds instances itself.
func (t *TriggerInstance) Invoke(ctx context.Context, req core.TriggerRequest, resolve func(nodeID string) any) (*core.TriggerResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.started {
		return nil, fmt.Errorf("trigger %s not started", t.NodeID)
	}

	threadID := t.GraphID + ":" + t.NodeID
	if req.ThreadSubID != "" {
		threadID += ":" + req.ThreadSubID
	}

	result := &core.TriggerResult{ThreadID: threadID, Async: req.Async}
	for _, id := range t.downstreamIDs {
		agent, ok := resolve(id).(*AgentInstance)
		if !ok {
			continue
		}
		for _, msg := range req.Messages {
			agent.Publish(AgentEvent{NodeID: t.NodeID, Type: "trigger", Payload: msg})
		}
		if !req.Async {
			result.Outputs = append(result.Outputs, map[string]any{
				"node":      id,
				"thread_id": threadID,
				"accepted":  len(req.Messages),
			})
		}
	}
	return result, nil
}

var _ core.TriggerNode = (*TriggerInstance)(nil)

type triggerTemplate struct {
	schema gojsonschema.JSONLoader
}

// NewTriggerTemplate returns the http-trigger template. A trigger requires
// an outgoing connection to an agent node; schemas without one fail
// validation with MISSING_REQUIRED_CONNECTION.
func NewTriggerTemplate() core.Template {
	return &triggerTemplate{schema: gojsonschema.NewStringLoader(triggerConfigSchema)}
}

func (t *triggerTemplate) Name() string        { return triggerTemplateName }
func (t *triggerTemplate) Kind() core.NodeKind { return core.NodeKindTrigger }

func (t *triggerTemplate) ValidateConfig(config map[string]any) error {
	return validateWithSchema(t.schema, config)
}

func (t *triggerTemplate) Connections() core.ConnectionSpec {
	return core.ConnectionSpec{RequiredOutbound: []core.NodeKind{core.NodeKindAgent}}
}

func (t *triggerTemplate) Handle() core.NodeHandle { return &triggerHandle{} }

type triggerHandle struct{}

func (h *triggerHandle) Create(ctx context.Context, init core.NodeInit) (any, error) {
	return &TriggerInstance{
		GraphID:       init.GraphID.String(),
		NodeID:        init.NodeID,
		config:        init.Config,
		downstreamIDs: peerIDs(init.Downstream),
		started:       true,
	}, nil
}

func (h *triggerHandle) Configure(ctx context.Context, next core.NodeInit, instance any) error {
	trigger, ok := instance.(*TriggerInstance)
	if !ok {
		return fmt.Errorf("unexpected instance type %T", instance)
	}
	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	if !trigger.started {
		return core.ErrRecreateRequired
	}
	trigger.config = next.Config
	trigger.downstreamIDs = peerIDs(next.Downstream)
	return nil
}

func (h *triggerHandle) Destroy(ctx context.Context, instance any) error {
	trigger, ok := instance.(*TriggerInstance)
	if !ok || trigger == nil {
		return nil
	}
	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	trigger.started = false
	trigger.downstreamIDs = nil
	return nil
}

func peerIDs(peers []core.PeerRef) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.NodeID)
	}
	return out
}
