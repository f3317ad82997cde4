package template

import (
	"context"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

const mcpServerTemplateName = "mcp-server"

const mcpServerConfigSchema = `{
	"type": "object",
	"properties": {
		"transport": {"type": "string", "enum": ["stdio", "sse", "http"]},
		"endpoint": {"type": "string"},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"allowedTools": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["transport"],
	"additionalProperties": true
}`

// MCPServerInstance is the live state of an mcp-server node. The transport
// determines how downstream agents reach the server; changing it invalidates
// any open sessions, so reconfigure only covers same-transport changes.
type MCPServerInstance struct {
	GraphID string
	NodeID  string

	mu        sync.RWMutex
	transport string
	config    map[string]any
}

// Endpoint returns the server's transport and endpoint.
func (m *MCPServerInstance) Endpoint() (transport, endpoint string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	endpoint, _ = m.config["endpoint"].(string)
	return m.transport, endpoint
}

// AllowedTools returns the tool allowlist, or nil when everything is allowed.
func (m *MCPServerInstance) AllowedTools() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.config["allowedTools"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

type mcpServerTemplate struct {
	schema gojsonschema.JSONLoader
}

// NewMCPServerTemplate returns the mcp-server template.
func NewMCPServerTemplate() core.Template {
	return &mcpServerTemplate{schema: gojsonschema.NewStringLoader(mcpServerConfigSchema)}
}

func (t *mcpServerTemplate) Name() string        { return mcpServerTemplateName }
func (t *mcpServerTemplate) Kind() core.NodeKind { return core.NodeKindMCP }

func (t *mcpServerTemplate) ValidateConfig(config map[string]any) error {
	return validateWithSchema(t.schema, config)
}

func (t *mcpServerTemplate) Connections() core.ConnectionSpec {
	return core.ConnectionSpec{}
}

func (t *mcpServerTemplate) Handle() core.NodeHandle { return &mcpServerHandle{} }

type mcpServerHandle struct{}

func (h *mcpServerHandle) Create(ctx context.Context, init core.NodeInit) (any, error) {
	transport, _ := init.Config["transport"].(string)
	return &MCPServerInstance{
		GraphID:   init.GraphID.String(),
		NodeID:    init.NodeID,
		transport: transport,
		config:    init.Config,
	}, nil
}

func (h *mcpServerHandle) Configure(ctx context.Context, next core.NodeInit, instance any) error {
	server, ok := instance.(*MCPServerInstance)
	if !ok {
		return fmt.Errorf("unexpected instance type %T", instance)
	}
	transport, _ := next.Config["transport"].(string)
	server.mu.Lock()
	defer server.mu.Unlock()
	if transport != server.transport {
		return core.ErrRecreateRequired
	}
	server.config = next.Config
	return nil
}

func (h *mcpServerHandle) Destroy(ctx context.Context, instance any) error {
	return nil
}
