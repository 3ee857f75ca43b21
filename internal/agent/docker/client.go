// Package docker wraps the Docker SDK for workspace container discovery.
// The session host never creates containers; workspaces are provisioned by
// the control plane, and this package only resolves and inspects them.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/config"
	"github.com/codedeck/codedeck/internal/common/logger"
)

// ContainerInfo describes a workspace container.
type ContainerInfo struct {
	ID          string
	Name        string
	Image       string
	State       string // created, running, paused, restarting, removing, exited, dead
	Status      string // Human-readable status
	StartedAt   time.Time
	WorkspaceID string
	Health      string
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a Docker client from configuration.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}

	log.Info("docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &Client{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker")),
		config: cfg,
	}, nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker: ping failed: %w", err)
	}
	return nil
}

// ResolveWorkspace finds the running container for a workspace by the
// configured label (e.g. codedeck.workspace=<id>). Exactly one running
// container is expected per workspace.
func (c *Client) ResolveWorkspace(ctx context.Context, workspaceID string) (*ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", fmt.Sprintf("%s=%s", c.config.ContainerLabel, workspaceID))
	filterArgs.Add("status", "running")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("docker: no running container for workspace %s", workspaceID)
	}
	if len(containers) > 1 {
		c.logger.Warn("multiple containers match workspace label, using first",
			zap.String("workspace_id", workspaceID),
			zap.Int("count", len(containers)))
	}

	ctr := containers[0]

	// The list API carries no health or start time; inspect the winner so
	// an unhealthy container is rejected before anything execs into it.
	info, err := c.Inspect(ctx, ctr.ID)
	if err != nil {
		return nil, fmt.Errorf("docker: inspect resolved container: %w", err)
	}
	info.WorkspaceID = workspaceID
	if info.Health == "unhealthy" {
		return nil, fmt.Errorf("docker: container %s for workspace %s is unhealthy", info.Name, workspaceID)
	}

	c.logger.Debug("resolved workspace container",
		zap.String("workspace_id", workspaceID),
		zap.String("container_id", info.ID),
		zap.String("health", info.Health))
	return info, nil
}

// Inspect returns the current state of a container, including health when
// the image defines a healthcheck.
func (c *Client) Inspect(ctx context.Context, containerID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("docker: inspect %s: %w", containerID, err)
	}

	info := &ContainerInfo{
		ID:     inspect.ID,
		Name:   trimSlash(inspect.Name),
		Image:  inspect.Config.Image,
		State:  inspect.State.Status,
		Status: inspect.State.Status,
	}
	if inspect.State.StartedAt != "" {
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = startedAt
		}
	}
	if inspect.State.Health != nil {
		info.Health = inspect.State.Health.Status
	}
	if inspect.Config.Labels != nil {
		info.WorkspaceID = inspect.Config.Labels[c.config.ContainerLabel]
	}
	return info, nil
}

// ListWorkspaces lists every container carrying the workspace label,
// running or not. Used at boot to rehydrate suspended sessions.
func (c *Client) ListWorkspaces(ctx context.Context) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", c.config.ContainerLabel)

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		infos = append(infos, ContainerInfo{
			ID:          ctr.ID,
			Name:        containerName(ctr.Names),
			Image:       ctr.Image,
			State:       ctr.State,
			Status:      ctr.Status,
			WorkspaceID: ctr.Labels[c.config.ContainerLabel],
		})
	}
	return infos, nil
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return trimSlash(names[0])
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
