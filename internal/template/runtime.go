package template

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/xeipuuv/gojsonschema"

	"github.com/vitaliisemenov/graphflow/internal/core"
)

const dockerRuntimeTemplateName = "docker-runtime"

const (
	containerNamePrefix = "graphflow-node-"

	labelGraphID = "graphflow.graph.id"
	labelNodeID  = "graphflow.node.id"
	labelManaged = "graphflow.managed"

	defaultStopTimeout = 30 * time.Second
)

const dockerRuntimeConfigSchema = `{
	"type": "object",
	"properties": {
		"image": {"type": "string", "minLength": 1},
		"env": {"type": "object", "additionalProperties": {"type": "string"}},
		"command": {"type": "array", "items": {"type": "string"}},
		"ports": {"type": "array", "items": {"type": "string"}},
		"workdir": {"type": "string"}
	},
	"required": ["image"],
	"additionalProperties": false
}`

// DockerRuntimeOptions configures the docker-runtime template.
type DockerRuntimeOptions struct {
	Host        string
	StopTimeout time.Duration
}

// ContainerName derives the stable container name for a node. Retries and
// re-registrations look the name up and reattach to a pre-existing container
// instead of leaking a second one.
func ContainerName(graphID, nodeID string) string {
	return containerNamePrefix + graphID + "-" + nodeID
}

// ContainerInstance is the live state of a docker-runtime node.
type ContainerInstance struct {
	ContainerID   string
	ContainerName string
	Image         string
	Env           []string
	Command       []string
}

type dockerRuntimeTemplate struct {
	mu     sync.Mutex
	cli    *client.Client
	opts   DockerRuntimeOptions
	schema gojsonschema.JSONLoader
}

// NewDockerRuntimeTemplate returns the docker-runtime template. The docker
// client is created lazily on first node create so an engine without any
// runtime nodes never needs a reachable daemon.
func NewDockerRuntimeTemplate(opts *DockerRuntimeOptions) core.Template {
	o := DockerRuntimeOptions{}
	if opts != nil {
		o = *opts
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	return &dockerRuntimeTemplate{
		opts:   o,
		schema: gojsonschema.NewStringLoader(dockerRuntimeConfigSchema),
	}
}

func (t *dockerRuntimeTemplate) Name() string        { return dockerRuntimeTemplateName }
func (t *dockerRuntimeTemplate) Kind() core.NodeKind { return core.NodeKindRuntime }

func (t *dockerRuntimeTemplate) ValidateConfig(config map[string]any) error {
	return validateWithSchema(t.schema, config)
}

func (t *dockerRuntimeTemplate) Connections() core.ConnectionSpec {
	return core.ConnectionSpec{}
}

func (t *dockerRuntimeTemplate) Handle() core.NodeHandle {
	return &dockerRuntimeHandle{template: t}
}

func (t *dockerRuntimeTemplate) dockerClient() (*client.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cli != nil {
		return t.cli, nil
	}
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if t.opts.Host != "" {
		opts = append(opts, client.WithHost(t.opts.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	t.cli = cli
	return cli, nil
}

type dockerRuntimeHandle struct {
	template *dockerRuntimeTemplate
}

func (h *dockerRuntimeHandle) Create(ctx context.Context, init core.NodeInit) (any, error) {
	cli, err := h.template.dockerClient()
	if err != nil {
		return nil, err
	}

	inst := instanceFromConfig(init)

	// At-least-once delivery means a create can be retried after a partial
	// run. The name is stable, so look for a survivor first.
	existing, err := h.findByName(ctx, cli, inst.ContainerName)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		inst.ContainerID = existing
		if err := cli.ContainerStart(ctx, existing, container.StartOptions{}); err != nil &&
			!strings.Contains(err.Error(), "already started") {
			return nil, fmt.Errorf("failed to restart container %s: %w", inst.ContainerName, err)
		}
		return inst, nil
	}

	if err := h.pullImage(ctx, cli, inst.Image); err != nil {
		return nil, err
	}

	exposed, bindings, err := portBindings(init.Config)
	if err != nil {
		return nil, err
	}

	containerConfig := &container.Config{
		Image: inst.Image,
		Env:   inst.Env,
		Cmd:   inst.Command,
		Labels: map[string]string{
			labelGraphID: init.GraphID.String(),
			labelNodeID:  init.NodeID,
			labelManaged: "true",
		},
		ExposedPorts: exposed,
	}
	if workdir, ok := init.Config["workdir"].(string); ok {
		containerConfig.WorkingDir = workdir
	}
	hostConfig := &container.HostConfig{PortBindings: bindings}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, inst.ContainerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", inst.ContainerName, err)
	}
	inst.ContainerID = resp.ID

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Leave no half-started container behind.
		_ = cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", inst.ContainerName, err)
	}
	return inst, nil
}

// Configure only succeeds when the change keeps image, env and command
// intact; anything the container was created from requires a recreate.
func (h *dockerRuntimeHandle) Configure(ctx context.Context, next core.NodeInit, instance any) error {
	inst, ok := instance.(*ContainerInstance)
	if !ok {
		return fmt.Errorf("unexpected instance type %T", instance)
	}
	want := instanceFromConfig(next)
	if want.Image != inst.Image ||
		!stringSlicesEqual(want.Env, inst.Env) ||
		!stringSlicesEqual(want.Command, inst.Command) {
		return core.ErrRecreateRequired
	}
	return nil
}

func (h *dockerRuntimeHandle) Destroy(ctx context.Context, instance any) error {
	inst, ok := instance.(*ContainerInstance)
	if !ok || inst == nil || inst.ContainerName == "" {
		return nil
	}
	cli, err := h.template.dockerClient()
	if err != nil {
		return err
	}

	id := inst.ContainerID
	if id == "" {
		if id, err = h.findByName(ctx, cli, inst.ContainerName); err != nil || id == "" {
			return err
		}
	}

	// Stop errors are not fatal: the forced remove below is the hard-kill
	// escalation for containers that refuse to stop in time.
	timeout := int(h.template.opts.StopTimeout.Seconds())
	//nolint:errcheck
	cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err := cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", inst.ContainerName, err)
	}
	return nil
}

func (h *dockerRuntimeHandle) findByName(ctx context.Context, cli *client.Client, name string) (string, error) {
	args := filters.NewArgs(
		filters.Arg("name", name),
		filters.Arg("label", labelManaged+"=true"),
	)
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				return c.ID, nil
			}
		}
	}
	return "", nil
}

func (h *dockerRuntimeHandle) pullImage(ctx context.Context, cli *client.Client, ref string) error {
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	buf := make([]byte, 4096)
	for {
		if _, err := reader.Read(buf); err != nil {
			break
		}
	}
	return nil
}

func instanceFromConfig(init core.NodeInit) *ContainerInstance {
	inst := &ContainerInstance{
		ContainerName: ContainerName(init.GraphID.String(), init.NodeID),
	}
	inst.Image, _ = init.Config["image"].(string)

	if env, ok := init.Config["env"].(map[string]any); ok {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			inst.Env = append(inst.Env, fmt.Sprintf("%s=%v", k, env[k]))
		}
	}
	if cmd, ok := init.Config["command"].([]any); ok {
		for _, c := range cmd {
			if s, ok := c.(string); ok {
				inst.Command = append(inst.Command, s)
			}
		}
	}
	return inst
}

func portBindings(config map[string]any) (nat.PortSet, nat.PortMap, error) {
	raw, ok := config["ports"].([]any)
	if !ok || len(raw) == 0 {
		return nil, nil, nil
	}
	specs := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			specs = append(specs, s)
		}
	}
	exposed, bindings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid port spec: %w", err)
	}
	return exposed, bindings, nil
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
