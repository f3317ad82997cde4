package template

import (
	"context"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

const agentTemplateName = "simple-agent"

const agentConfigSchema = `{
	"type": "object",
	"properties": {
		"instructions": {"type": "string", "minLength": 1},
		"invokeModelName": {"type": "string"},
		"maxIterations": {"type": "integer", "minimum": 1, "maximum": 100},
		"temperature": {"type": "number", "minimum": 0, "maximum": 2}
	},
	"required": ["instructions"],
	"additionalProperties": true
}`

// AgentEvent is an event emitted by a running agent node.
type AgentEvent struct {
	NodeID  string
	Type    string
	Payload map[string]any
}

// AgentInstance is the live state of a simple-agent node. Subscribers are an
// explicit callback list with unsubscribers; there is no emitter hierarchy.
type AgentInstance struct {
	GraphID string
	NodeID  string

	mu          sync.RWMutex
	config      map[string]any
	subscribers map[int]func(AgentEvent)
	nextSubID   int
	destroyed   bool
}

// Subscribe registers a callback for agent events and returns its
// unsubscriber.
func (a *AgentInstance) Subscribe(fn func(AgentEvent)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subscribers, id)
	}
}

// Publish delivers an event to all current subscribers.
func (a *AgentInstance) Publish(event AgentEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, fn := range a.subscribers {
		fn(event)
	}
}

// Instructions returns the agent's current instructions.
func (a *AgentInstance) Instructions() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, _ := a.config["instructions"].(string)
	return s
}

// Config returns a point-in-time view of the agent's config.
func (a *AgentInstance) Config() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]any, len(a.config))
	for k, v := range a.config {
		out[k] = v
	}
	return out
}

type agentTemplate struct {
	schema gojsonschema.JSONLoader
}

// NewAgentTemplate returns the simple-agent template: an in-process agent
// node whose config reconfigures in place; a destroyed instance returns
// ErrRecreateRequired instead.
func NewAgentTemplate() core.Template {
	return &agentTemplate{schema: gojsonschema.NewStringLoader(agentConfigSchema)}
}

func (t *agentTemplate) Name() string        { return agentTemplateName }
func (t *agentTemplate) Kind() core.NodeKind { return core.NodeKindAgent }

func (t *agentTemplate) ValidateConfig(config map[string]any) error {
	return validateWithSchema(t.schema, config)
}

func (t *agentTemplate) Connections() core.ConnectionSpec {
	return core.ConnectionSpec{}
}

func (t *agentTemplate) Handle() core.NodeHandle { return &agentHandle{} }

type agentHandle struct{}

func (h *agentHandle) Create(ctx context.Context, init core.NodeInit) (any, error) {
	return &AgentInstance{
		GraphID:     init.GraphID.String(),
		NodeID:      init.NodeID,
		config:      init.Config,
		subscribers: make(map[int]func(AgentEvent)),
	}, nil
}

func (h *agentHandle) Configure(ctx context.Context, next core.NodeInit, instance any) error {
	agent, ok := instance.(*AgentInstance)
	if !ok {
		return fmt.Errorf("unexpected instance type %T", instance)
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.destroyed {
		return core.ErrRecreateRequired
	}
	agent.config = next.Config
	return nil
}

func (h *agentHandle) Destroy(ctx context.Context, instance any) error {
	agent, ok := instance.(*AgentInstance)
	if !ok || agent == nil {
		return nil
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	agent.destroyed = true
	agent.subscribers = make(map[int]func(AgentEvent))
	return nil
}
