// Package store defines the persistence interface for the gateway and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// Config keys used by the gateway. Token values are stored encrypted with the
// gateway's encryption key before they reach the store; see internal/claude.
const (
	KeySetupComplete        = "setup_complete"
	KeyOAuthToken           = "claude_oauth_token"
	KeyRefreshToken         = "claude_refresh_token"
	KeyTokenExpiresAt       = "claude_token_expires_at"
	KeyTokenRefreshedAt     = "claude_token_refreshed_at"
	KeyOAuthPendingState    = "oauth_pending_state"
	KeyOAuthPendingVerifier = "oauth_pending_verifier"
	KeyVaultLastPush        = "vault_last_push"
)

// Session status values.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// Store is the persistence interface for the gateway.
type Store interface {
	// Config
	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string) error
	DeleteConfig(ctx context.Context, key string) error

	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]Session, error)
	FinishSession(ctx context.Context, id string, endedAt time.Time, status string) error
	UpdateSessionUsage(ctx context.Context, id string, turnCount int, costUSD float64) error

	// Usage
	UsageTotals(ctx context.Context) (Usage, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session is the persisted record of one agent run.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    string     `json:"status"` // "running", "stopped", "error"
	TurnCount int        `json:"turn_count"`
	CostUSD   float64    `json:"cost_usd"`
}

// Usage aggregates totals across all recorded sessions.
type Usage struct {
	Sessions     int     `json:"sessions"`
	Turns        int     `json:"turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}
