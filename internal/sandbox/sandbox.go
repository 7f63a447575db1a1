// Package sandbox manages the Docker container the agent subprocess runs in.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// Status of the sandbox container.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusMissing Status = "missing"
)

// workspaceTarget is where the host workspace is mounted inside the container.
const workspaceTarget = "/workspace"

// Sandbox drives a single named container that hosts the agent's working
// environment.
type Sandbox struct {
	cli       *client.Client
	name      string
	image     string
	workspace string
	logger    *slog.Logger
}

// New connects to the local Docker daemon. workspace is an optional host path
// bind-mounted into the container; empty means no mount.
func New(name, image, workspace string, logger *slog.Logger) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Sandbox{
		cli:       cli,
		name:      name,
		image:     image,
		workspace: workspace,
		logger:    logger.With("component", "sandbox"),
	}, nil
}

// State reports whether the sandbox container is running, stopped, or absent.
func (s *Sandbox) State(ctx context.Context) (Status, error) {
	inspect, err := s.cli.ContainerInspect(ctx, s.name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusMissing, nil
		}
		return "", fmt.Errorf("inspect container %s: %w", s.name, err)
	}
	if inspect.State != nil && inspect.State.Running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// EnsureRunning creates and starts the container as needed. Idempotent.
func (s *Sandbox) EnsureRunning(ctx context.Context) error {
	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	switch state {
	case StatusRunning:
		return nil
	case StatusStopped:
		if err := s.cli.ContainerStart(ctx, s.name, container.StartOptions{}); err != nil {
			return fmt.Errorf("start container %s: %w", s.name, err)
		}
		s.logger.Info("sandbox started", "container", s.name)
		return nil
	}

	// Missing: create, then start. The container idles until the agent is
	// launched into it through the wrapper.
	config := &container.Config{
		Image: s.image,
		Cmd:   []string{"sleep", "infinity"},
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if s.workspace != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: s.workspace,
			Target: workspaceTarget,
		}}
	}

	resp, err := s.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, s.name)
	if err != nil {
		return fmt.Errorf("create container %s: %w", s.name, err)
	}
	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	s.logger.Info("sandbox created and started", "container", s.name, "image", s.image)
	return nil
}

// Stats is a point-in-time resource snapshot of the sandbox container.
type Stats struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsage uint64    `json:"memory_usage_bytes"`
	MemoryLimit uint64    `json:"memory_limit_bytes"`
	StartedAt   time.Time `json:"started_at,omitzero"`
}

// Stats samples resource usage of the container. The one-shot stats endpoint
// returns the previous sample alongside the current one, which is enough for
// a CPU delta.
func (s *Sandbox) Stats(ctx context.Context) (*Stats, error) {
	resp, err := s.cli.ContainerStats(ctx, s.name, false)
	if err != nil {
		return nil, fmt.Errorf("container stats %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	st := &Stats{
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}

	var cpuDelta, systemDelta uint64
	if raw.CPUStats.CPUUsage.TotalUsage > raw.PreCPUStats.CPUUsage.TotalUsage {
		cpuDelta = raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage
	}
	if raw.CPUStats.SystemUsage > raw.PreCPUStats.SystemUsage {
		systemDelta = raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage
	}
	st.CPUPercent = cpuPercent(cpuDelta, systemDelta, raw.CPUStats.OnlineCPUs)

	inspect, err := s.cli.ContainerInspect(ctx, s.name)
	if err == nil && inspect.State != nil && inspect.State.StartedAt != "" {
		if at, parseErr := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); parseErr == nil {
			st.StartedAt = at
		}
	}
	return st, nil
}

// cpuPercent converts usage deltas into a host-relative percentage.
func cpuPercent(cpuDelta, systemDelta uint64, onlineCPUs uint32) float64 {
	if cpuDelta == 0 || systemDelta == 0 {
		return 0
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}
	return float64(cpuDelta) / float64(systemDelta) * float64(onlineCPUs) * 100.0
}
