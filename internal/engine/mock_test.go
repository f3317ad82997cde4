package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

// mockInstance is what mock handles hand back as a live node.
type mockInstance struct {
	NodeID     string
	Config     map[string]any
	Generation int
}

// mockHandle implements core.NodeHandle with overridable behaviour and an
// event log shared across a test's templates.
type mockHandle struct {
	log           *handleLog
	configureFunc func(ctx context.Context, next core.NodeInit, instance any) error
	createFunc    func(ctx context.Context, init core.NodeInit) (any, error)
}

// handleLog records handle lifecycle events in order.
type handleLog struct {
	mu     sync.Mutex
	events []string
}

func (l *handleLog) add(event, nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event+":"+nodeID)
}

func (l *handleLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (l *handleLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if len(e) >= len(event) && e[:len(event)] == event {
			n++
		}
	}
	return n
}

func (h *mockHandle) Create(ctx context.Context, init core.NodeInit) (any, error) {
	h.log.add("create", init.NodeID)
	if h.createFunc != nil {
		return h.createFunc(ctx, init)
	}
	return &mockInstance{NodeID: init.NodeID, Config: init.Config, Generation: 1}, nil
}

func (h *mockHandle) Configure(ctx context.Context, next core.NodeInit, instance any) error {
	h.log.add("configure", next.NodeID)
	if h.configureFunc != nil {
		return h.configureFunc(ctx, next, instance)
	}
	inst, ok := instance.(*mockInstance)
	if !ok {
		return fmt.Errorf("unexpected instance type %T", instance)
	}
	inst.Config = next.Config
	return nil
}

func (h *mockHandle) Destroy(ctx context.Context, instance any) error {
	if inst, ok := instance.(*mockInstance); ok {
		h.log.add("destroy", inst.NodeID)
	} else {
		h.log.add("destroy", "?")
	}
	return nil
}

// mockTemplate implements core.Template around a mockHandle.
type mockTemplate struct {
	name        string
	kind        core.NodeKind
	connections core.ConnectionSpec
	handle      *mockHandle
	configErr   error
}

func (t *mockTemplate) Name() string        { return t.name }
func (t *mockTemplate) Kind() core.NodeKind { return t.kind }
func (t *mockTemplate) ValidateConfig(config map[string]any) error {
	return t.configErr
}
func (t *mockTemplate) Connections() core.ConnectionSpec { return t.connections }
func (t *mockTemplate) Handle() core.NodeHandle          { return t.handle }

// mockRegistry is a fixed-map core.TemplateRegistry.
type mockRegistry struct {
	templates map[string]core.Template
}

func newMockRegistry(templates ...core.Template) *mockRegistry {
	r := &mockRegistry{templates: make(map[string]core.Template)}
	for _, t := range templates {
		r.templates[t.(*mockTemplate).name] = t
	}
	return r
}

func (r *mockRegistry) Get(name string) (core.Template, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("no template registered with name: %s", name)
	}
	return t, nil
}

func (r *mockRegistry) Names() []string { return nil }

// workerTemplates builds a log plus a registry with a plain "worker"
// template whose nodes reconfigure in place by default.
func workerTemplates() (*handleLog, *mockRegistry, *mockTemplate) {
	log := &handleLog{}
	tpl := &mockTemplate{name: "worker", kind: core.NodeKindTool, handle: &mockHandle{log: log}}
	return log, newMockRegistry(tpl), tpl
}
