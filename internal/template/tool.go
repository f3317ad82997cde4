package template

import (
	"context"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

const functionToolTemplateName = "function-tool"

const functionToolConfigSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"parameters": {"type": "object"}
	},
	"required": ["name"],
	"additionalProperties": true
}`

// ToolInstance is the live state of a function-tool node: a named callable
// exposed to the agents wired upstream of it.
type ToolInstance struct {
	GraphID string
	NodeID  string

	mu     sync.RWMutex
	config map[string]any
}

// Definition returns the tool's declared name, description and parameter
// schema for upstream agents to advertise.
func (t *ToolInstance) Definition() (name, description string, parameters map[string]any) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, _ = t.config["name"].(string)
	description, _ = t.config["description"].(string)
	parameters, _ = t.config["parameters"].(map[string]any)
	return name, description, parameters
}

type functionToolTemplate struct {
	schema gojsonschema.JSONLoader
}

// NewFunctionToolTemplate returns the function-tool template.
func NewFunctionToolTemplate() core.Template {
	return &functionToolTemplate{schema: gojsonschema.NewStringLoader(functionToolConfigSchema)}
}

func (t *functionToolTemplate) Name() string        { return functionToolTemplateName }
func (t *functionToolTemplate) Kind() core.NodeKind { return core.NodeKindTool }

func (t *functionToolTemplate) ValidateConfig(config map[string]any) error {
	return validateWithSchema(t.schema, config)
}

func (t *functionToolTemplate) Connections() core.ConnectionSpec {
	return core.ConnectionSpec{}
}

func (t *functionToolTemplate) Handle() core.NodeHandle { return &functionToolHandle{} }

type functionToolHandle struct{}

func (h *functionToolHandle) Create(ctx context.Context, init core.NodeInit) (any, error) {
	return &ToolInstance{
		GraphID: init.GraphID.String(),
		NodeID:  init.NodeID,
		config:  init.Config,
	}, nil
}

func (h *functionToolHandle) Configure(ctx context.Context, next core.NodeInit, instance any) error {
	tool, ok := instance.(*ToolInstance)
	if !ok {
		return fmt.Errorf("unexpected instance type %T", instance)
	}
	tool.mu.Lock()
	defer tool.mu.Unlock()
	tool.config = next.Config
	return nil
}

func (h *functionToolHandle) Destroy(ctx context.Context, instance any) error {
	return nil
}
