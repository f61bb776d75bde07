package agent

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/rgmanager/pkg/log"
	"github.com/cuemby/rgmanager/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// TypeContainer is the group type served by ContainerAgent
	TypeContainer = "container"

	// DefaultNamespace is the containerd namespace for managed groups
	DefaultNamespace = "rgmanager"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	defaultStopTimeout = 10 * time.Second
)

// ContainerAgent runs a resource group as a containerd task
type ContainerAgent struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerAgent connects to containerd at socketPath
func NewContainerAgent(socketPath string) (*ContainerAgent, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerAgent{
		client:    client,
		namespace: DefaultNamespace,
		logger:    log.WithComponent("agent.container"),
	}, nil
}

// Close closes the containerd client connection
func (c *ContainerAgent) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// ContainerID returns the containerd id used for a group
func ContainerID(groupID string) string {
	return "rg-" + groupID
}

// Start pulls the image if missing, replaces any leftover container and
// starts a new task
func (c *ContainerAgent) Start(ctx context.Context, def *types.GroupDefinition) error {
	if def.Container == nil || def.Container.Image == "" {
		return fmt.Errorf("group %s has no container image", def.ID)
	}
	ctx = namespaces.WithNamespace(ctx, c.namespace)
	id := ContainerID(def.ID)

	image, err := c.client.GetImage(ctx, def.Container.Image)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to get image %s: %w", def.Container.Image, err)
		}
		c.logger.Info().Str("group", def.ID).Str("image", def.Container.Image).Msg("Pulling image")
		image, err = c.client.Pull(ctx, def.Container.Image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", def.Container.Image, err)
		}
	}

	if err := c.remove(ctx, def); err != nil {
		return err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(append([]string{"RG_GROUP=" + def.ID}, def.Container.Env...)),
	}
	if len(def.Container.Args) > 0 {
		opts = append(opts, oci.WithProcessArgs(def.Container.Args...))
	}
	if len(def.Container.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(specMounts(def.Container.Mounts)))
	}

	container, err := c.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// Stop sends SIGTERM, waits up to the group's stop timeout, escalates to
// SIGKILL, and removes the task and container
func (c *ContainerAgent) Stop(ctx context.Context, def *types.GroupDefinition) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)
	return c.remove(ctx, def)
}

// Status succeeds only when the group's task is running
func (c *ContainerAgent) Status(ctx context.Context, def *types.GroupDefinition) error {
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	container, err := c.client.LoadContainer(ctx, ContainerID(def.ID))
	if err != nil {
		return fmt.Errorf("failed to load container for %s: %w", def.ID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("no task for %s: %w", def.ID, err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running:
		return nil
	case containerd.Stopped:
		return fmt.Errorf("task for %s exited with status %d", def.ID, status.ExitStatus)
	default:
		return fmt.Errorf("task for %s is %s", def.ID, status.Status)
	}
}

// remove stops and deletes the group's container if it exists
func (c *ContainerAgent) remove(ctx context.Context, def *types.GroupDefinition) error {
	container, err := c.client.LoadContainer(ctx, ContainerID(def.ID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container for %s: %w", def.ID, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if err := c.stopTask(ctx, task, stopTimeout(def)); err != nil {
			return err
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

func (c *ContainerAgent) stopTask(ctx context.Context, task containerd.Task, timeout time.Duration) error {
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	select {
	case <-statusC:
	case <-time.After(timeout):
		c.logger.Warn().Str("task", task.ID()).Dur("timeout", timeout).Msg("Task ignored SIGTERM, killing")
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		select {
		case <-statusC:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func stopTimeout(def *types.GroupDefinition) time.Duration {
	if def.StopTimeout > 0 {
		return def.StopTimeout
	}
	return defaultStopTimeout
}

func specMounts(mounts []types.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		out = append(out, specs.Mount{
			Source:      m.Source,
			Destination: m.Destination,
			Type:        "bind",
			Options:     options,
		})
	}
	return out
}
