// Package monitor assembles the gateway's health picture: setup progress,
// sandbox container state, Claude credential validity, and resource usage.
// The collector never fails outright; a collaborator that is down shows up
// as a degraded report, because /api/health has to answer even when the
// database or the Docker daemon does not.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gatehouse-sh/gatehouse/internal/claude"
	"github.com/gatehouse-sh/gatehouse/internal/sandbox"
	"github.com/gatehouse-sh/gatehouse/internal/store"
)

// Health status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// recentSessionLimit caps how many finished sessions the monitor page lists.
const recentSessionLimit = 10

// ContainerInfo is the slice of sandbox behavior the collector reads.
type ContainerInfo interface {
	State(ctx context.Context) (sandbox.Status, error)
	Stats(ctx context.Context) (*sandbox.Stats, error)
}

// TokenReader loads the stored Claude credentials. A nil result with a nil
// error means no credentials have been saved yet.
type TokenReader interface {
	Load(ctx context.Context) (*claude.Tokens, error)
}

// Health is the unauthenticated liveness report served by /api/health.
type Health struct {
	Status               string `json:"status"` // "ok" or "degraded"
	UptimeSeconds        int64  `json:"uptime_seconds"`
	SetupComplete        bool   `json:"setup_complete"`
	ContainerStatus      string `json:"container_status"`
	ClaudeTokenValid     bool   `json:"claude_token_valid"`
	ClaudeTokenExpiresIn int64  `json:"claude_token_expires_in_seconds"`
	VaultLastPush        string `json:"vault_last_push,omitempty"`
	Version              string `json:"version"`
}

// Degraded reports whether the gateway should answer 503 instead of 200.
func (h Health) Degraded() bool {
	return h.Status == StatusDegraded
}

// Snapshot extends Health with resource usage for the authed monitor page.
type Snapshot struct {
	Health

	CPUPercent             float64         `json:"cpu_percent"`
	MemoryUsageBytes       uint64          `json:"memory_usage_bytes"`
	MemoryLimitBytes       uint64          `json:"memory_limit_bytes"`
	DiskFreeBytes          uint64          `json:"disk_free_bytes"`
	DiskTotalBytes         uint64          `json:"disk_total_bytes"`
	ContainerUptimeSeconds int64           `json:"container_uptime_seconds"`
	Usage                  store.Usage     `json:"usage"`
	RecentSessions         []store.Session `json:"recent_sessions"`
}

// Config carries the collector's collaborators.
type Config struct {
	Store     store.Store
	Container ContainerInfo
	Tokens    TokenReader
	Version   string
	DataDir   string // disk usage target, defaults to "."
	Logger    *slog.Logger
}

// Collector produces health and monitor snapshots on demand.
type Collector struct {
	store     store.Store
	container ContainerInfo
	tokens    TokenReader
	version   string
	dataDir   string
	logger    *slog.Logger

	startedAt time.Time
	now       func() time.Time
}

// New builds a Collector. Uptime counts from this call.
func New(cfg Config) *Collector {
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:     cfg.Store,
		container: cfg.Container,
		tokens:    cfg.Tokens,
		version:   cfg.Version,
		dataDir:   cfg.DataDir,
		logger:    logger.With("component", "monitor"),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Health assembles the liveness report. The report is degraded when setup
// is incomplete, the sandbox container is not running, or the Claude token
// is missing or expired.
func (c *Collector) Health(ctx context.Context) Health {
	now := c.now()
	h := Health{
		Status:        StatusOK,
		UptimeSeconds: int64(now.Sub(c.startedAt).Seconds()),
		Version:       c.version,
	}

	setup, _, err := c.store.GetConfig(ctx, store.KeySetupComplete)
	if err != nil {
		c.logger.Warn("read setup flag", "error", err)
	}
	h.SetupComplete = setup == "true"

	if push, ok, err := c.store.GetConfig(ctx, store.KeyVaultLastPush); err == nil && ok {
		h.VaultLastPush = push
	}

	state, err := c.container.State(ctx)
	if err != nil {
		c.logger.Warn("container state", "error", err)
		h.ContainerStatus = "unknown"
	} else {
		h.ContainerStatus = string(state)
	}

	toks, err := c.tokens.Load(ctx)
	if err != nil {
		c.logger.Warn("load claude tokens", "error", err)
	}
	if toks != nil {
		if remaining := toks.ExpiresAt.Sub(now); remaining > 0 {
			h.ClaudeTokenValid = true
			h.ClaudeTokenExpiresIn = int64(remaining.Seconds())
		}
	}

	if !h.SetupComplete || h.ContainerStatus != string(sandbox.StatusRunning) || !h.ClaudeTokenValid {
		h.Status = StatusDegraded
	}
	return h
}

// Snapshot assembles the full monitor report: the health fields plus
// container resource usage, disk headroom for the data directory, and
// aggregate session usage.
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Health: c.Health(ctx)}

	stats, err := c.container.Stats(ctx)
	if err != nil {
		c.logger.Debug("container stats", "error", err)
	} else {
		snap.CPUPercent = stats.CPUPercent
		snap.MemoryUsageBytes = stats.MemoryUsage
		snap.MemoryLimitBytes = stats.MemoryLimit
		if !stats.StartedAt.IsZero() {
			snap.ContainerUptimeSeconds = int64(c.now().Sub(stats.StartedAt).Seconds())
		}
	}

	free, total, err := diskUsage(c.dataDir)
	if err != nil {
		c.logger.Debug("disk usage", "path", c.dataDir, "error", err)
	} else {
		snap.DiskFreeBytes = free
		snap.DiskTotalBytes = total
	}

	usage, err := c.store.UsageTotals(ctx)
	if err != nil {
		c.logger.Warn("usage totals", "error", err)
	}
	snap.Usage = usage

	sessions, err := c.store.ListSessions(ctx, recentSessionLimit)
	if err != nil {
		c.logger.Warn("list sessions", "error", err)
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	snap.RecentSessions = sessions

	return snap
}

func diskUsage(path string) (free, total uint64, err error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, 0, err
	}
	bsize := uint64(fs.Bsize)
	return fs.Bavail * bsize, fs.Blocks * bsize, nil
}
