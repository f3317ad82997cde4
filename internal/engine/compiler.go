package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/graphflow/internal/core"
	"github.com/vitaliisemenov/graphflow/internal/core/schema"
)

// Compiler builds a CompiledGraph from a schema: topological order, template
// lookup, config validation and node wiring.
type Compiler struct {
	templates core.TemplateRegistry
	validator *schema.Validator
	logger    *slog.Logger
}

// NewCompiler creates a compiler over the given template registry.
func NewCompiler(templates core.TemplateRegistry, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		templates: templates,
		validator: schema.NewValidator(templates),
		logger:    logger,
	}
}

// ValidateSchema validates s structurally and semantically.
func (c *Compiler) ValidateSchema(s core.Schema) error {
	return c.validator.Validate(s)
}

// Compile realises the graph's schema as live nodes in build order, filling
// cg (already registered in status Compiling) and setting it Running. Any
// failure destroys already-built nodes in reverse order and returns the
// originating error.
func (c *Compiler) Compile(ctx context.Context, g *core.Graph, cg *CompiledGraph) error {
	if err := c.validator.Validate(g.Schema); err != nil {
		return err
	}
	order, err := schema.BuildOrder(g.Schema)
	if err != nil {
		return err
	}

	cg.setEdges(g.Schema.Edges)

	started := time.Now()
	var built []*CompiledNode
	for _, node := range order {
		cn, err := c.buildNode(ctx, cg, node)
		if err != nil {
			for i := len(built) - 1; i >= 0; i-- {
				c.DestroyNode(ctx, cg, built[i])
			}
			return fmt.Errorf("compiling node %q: %w", node.ID, err)
		}
		cg.putNode(cn)
		built = append(built, cn)
	}

	cg.SetStatus(core.GraphStatusRunning)
	c.logger.Info("graph compiled",
		"graph_id", g.ID,
		"nodes", len(order),
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}

func (c *Compiler) buildNode(ctx context.Context, cg *CompiledGraph, node core.Node) (*CompiledNode, error) {
	tpl, init, err := c.PrepareNode(cg, node)
	if err != nil {
		return nil, err
	}
	return c.CreateNode(ctx, tpl, init, node)
}

// PrepareNode resolves a schema node against the (possibly partially built)
// compiled graph: template lookup, config validation and peer resolution.
// Upstream peers built earlier in the order carry live instances; downstream
// peers are identity-only, resolution goes through the compiled graph.
func (c *Compiler) PrepareNode(cg *CompiledGraph, node core.Node) (core.Template, core.NodeInit, error) {
	tpl, err := c.templates.Get(node.Template)
	if err != nil {
		return nil, core.NodeInit{}, fmt.Errorf("unknown template %q: %w", node.Template, err)
	}
	if err := tpl.ValidateConfig(node.Config); err != nil {
		return nil, core.NodeInit{}, fmt.Errorf("invalid config: %w", err)
	}

	init := core.NodeInit{
		GraphID: cg.ID,
		NodeID:  node.ID,
		Config:  node.Config,
	}
	for _, e := range cg.Edges() {
		switch node.ID {
		case e.To:
			init.Upstream = append(init.Upstream, c.peerRef(cg, e.From))
		case e.From:
			init.Downstream = append(init.Downstream, c.peerRef(cg, e.To))
		}
	}
	return tpl, init, nil
}

func (c *Compiler) peerRef(cg *CompiledGraph, nodeID string) core.PeerRef {
	ref := core.PeerRef{NodeID: nodeID}
	if cn, ok := cg.Node(nodeID); ok {
		ref.Template = cn.Template
		ref.Kind = cn.Kind
		ref.Instance = cn.Instance
	}
	return ref
}

// CreateNode creates the node's handle and instance from a prepared init.
func (c *Compiler) CreateNode(ctx context.Context, tpl core.Template, init core.NodeInit, node core.Node) (*CompiledNode, error) {
	handle := tpl.Handle()
	instance, err := handle.Create(ctx, init)
	if err != nil {
		return nil, fmt.Errorf("handle create failed: %w", err)
	}
	return &CompiledNode{
		ID:       node.ID,
		Template: node.Template,
		Kind:     tpl.Kind(),
		Config:   node.Config,
		Handle:   handle,
		Instance: instance,
	}, nil
}

// DestroyNode unregisters and destroys a compiled node. Destroy failures are
// logged; a partially-initialized node must tolerate being destroyed.
func (c *Compiler) DestroyNode(ctx context.Context, cg *CompiledGraph, cn *CompiledNode) {
	cg.State().UnregisterNode(cn.ID)
	if err := cn.Handle.Destroy(ctx, cn.Instance); err != nil {
		c.logger.Error("failed to destroy node",
			"graph_id", cg.ID, "node_id", cn.ID, "error", err)
	}
	cg.removeNode(cn.ID)
}
