// Package session owns the singleton chat session: its state machine, the
// subscriber fan-out, the user-input queue, and the permission round-trip
// between the agent and the browser.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-sh/gatehouse/internal/agent"
	"github.com/gatehouse-sh/gatehouse/internal/store"
	"github.com/gatehouse-sh/gatehouse/pkg/protocol"
)

// State labels the session lifecycle. Values appear verbatim in
// session_state events.
type State string

const (
	StateIdle              State = "idle"
	StateRunning           State = "running"
	StateWaitingPermission State = "waiting_permission"
	StateDone              State = "done"
	StateError             State = "error"
)

// active reports whether the agent loop is alive in this state.
func (s State) active() bool {
	return s == StateRunning || s == StateWaitingPermission
}

var (
	// ErrInvalidState rejects Start while a session is active.
	ErrInvalidState = errors.New("session already active")
	// ErrNoActiveSession rejects input when no session is running.
	ErrNoActiveSession = errors.New("no active session")
	// ErrQueueFull rejects input when the prompt buffer is saturated.
	ErrQueueFull = errors.New("input queue full")
)

// Subscriber receives marshaled protocol events. Send must be safe for
// concurrent use; failures are absorbed here and cleaned up by the
// connection's own close handling.
type Subscriber interface {
	Send(data []byte) error
}

// Process is a live agent run as the manager drives it. *agent.Run is the
// production implementation.
type Process interface {
	Events() <-chan agent.Event
	Respond(requestID string, d agent.PermissionDecision) error
	Stop()
	Wait() error
}

// LaunchFunc starts an agent process. Tests substitute their own.
type LaunchFunc func(ctx context.Context, opts agent.Options) (Process, error)

const (
	defaultPermissionTimeout = 5 * time.Minute
	defaultQueueSize         = 64
)

// Config assembles a Manager.
type Config struct {
	Store  store.Store
	Logger *slog.Logger

	// PermissionTimeout bounds how long a permission request may wait for
	// the browser. Defaults to 5 minutes.
	PermissionTimeout time.Duration

	// QueueSize bounds the user-input buffer. Defaults to 64.
	QueueSize int

	// Launch starts the agent subprocess. Defaults to the Claude driver.
	Launch LaunchFunc
}

// Manager is the process-local session singleton.
type Manager struct {
	store             store.Store
	logger            *slog.Logger
	launch            LaunchFunc
	permissionTimeout time.Duration
	queueSize         int
	now               func() time.Time

	mu          sync.Mutex
	state       State
	sessionID   string
	run         Process
	cancel      context.CancelFunc
	prompts     chan string
	promptsOpen bool
	subscribers map[Subscriber]struct{}
	pending     map[string]*pendingPermission
	toolNames   map[string]string
	totalCost   float64
}

type pendingPermission struct {
	resolve chan agent.PermissionDecision
	timer   *time.Timer
}

// New builds an idle Manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:             cfg.Store,
		logger:            logger.With("component", "session"),
		launch:            cfg.Launch,
		permissionTimeout: cfg.PermissionTimeout,
		queueSize:         cfg.QueueSize,
		now:               time.Now,
		state:             StateIdle,
		subscribers:       make(map[Subscriber]struct{}),
		pending:           make(map[string]*pendingPermission),
		toolNames:         make(map[string]string),
	}
	if m.launch == nil {
		m.launch = func(ctx context.Context, opts agent.Options) (Process, error) {
			return agent.Start(ctx, opts)
		}
	}
	if m.permissionTimeout <= 0 {
		m.permissionTimeout = defaultPermissionTimeout
	}
	if m.queueSize <= 0 {
		m.queueSize = defaultQueueSize
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddSubscriber registers a connection and sends it the current state, plus
// the accumulated cost when there is any. The state event always comes
// first.
func (m *Manager) AddSubscriber(sub Subscriber) {
	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	stateData := m.marshal(protocol.SessionState{Type: protocol.TypeSessionState, State: string(m.state)})
	var costData []byte
	if m.totalCost > 0 {
		costData = m.marshal(protocol.Cost{Type: protocol.TypeCost, TotalUSD: m.totalCost})
	}
	m.mu.Unlock()

	if err := sub.Send(stateData); err != nil {
		m.logger.Debug("subscriber initial send failed", "error", err)
		return
	}
	if costData != nil {
		if err := sub.Send(costData); err != nil {
			m.logger.Debug("subscriber initial send failed", "error", err)
		}
	}
}

// RemoveSubscriber drops a connection from the fan-out set.
func (m *Manager) RemoveSubscriber(sub Subscriber) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
}

// StartConfig carries what a new session needs from its caller.
type StartConfig struct {
	// Token reaches the agent as CLAUDE_CODE_OAUTH_TOKEN.
	Token string
	// WrapperPath is the executable that runs the agent inside the
	// sandbox.
	WrapperPath string
}

// Start launches a new session and returns its id. Only one session exists
// at a time; Start returns ErrInvalidState while one is active.
func (m *Manager) Start(ctx context.Context, cfg StartConfig) (string, error) {
	m.mu.Lock()
	prev := m.state
	if prev.active() {
		m.mu.Unlock()
		return "", ErrInvalidState
	}
	// Claim the slot before any I/O so a concurrent Start loses cleanly.
	m.state = StateRunning
	m.mu.Unlock()

	id := uuid.New().String()
	rec := &store.Session{ID: id, StartedAt: m.now().UTC(), Status: store.StatusRunning}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		m.mu.Lock()
		m.state = prev
		m.mu.Unlock()
		return "", fmt.Errorf("create session record: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	prompts := make(chan string, m.queueSize)
	run, err := m.launch(runCtx, agent.Options{
		Executable: cfg.WrapperPath,
		Env:        []string{"CLAUDE_CODE_OAUTH_TOKEN=" + cfg.Token},
		Prompts:    prompts,
		Logger:     m.logger,
	})
	if err != nil {
		cancel()
		if ferr := m.store.FinishSession(ctx, id, m.now().UTC(), store.StatusError); ferr != nil {
			m.logger.Warn("finish session record", "error", ferr, "session_id", id)
		}
		m.mu.Lock()
		m.state = StateError
		errData := m.marshal(protocol.ErrorMessage{Type: protocol.TypeError, Message: "failed to start agent: " + err.Error()})
		stateData := m.marshal(protocol.SessionState{Type: protocol.TypeSessionState, State: string(StateError)})
		subs := m.subscribersLocked()
		m.mu.Unlock()
		m.fanout(subs, errData)
		m.fanout(subs, stateData)
		return "", fmt.Errorf("start agent: %w", err)
	}

	m.mu.Lock()
	m.sessionID = id
	m.run = run
	m.cancel = cancel
	m.prompts = prompts
	m.promptsOpen = true
	m.totalCost = 0
	m.toolNames = make(map[string]string)
	stateData := m.marshal(protocol.SessionState{Type: protocol.TypeSessionState, State: string(StateRunning)})
	subs := m.subscribersLocked()
	m.mu.Unlock()
	m.fanout(subs, stateData)

	m.logger.Info("session started", "session_id", id)
	go m.loop(run)
	return id, nil
}

// Send queues one user turn for the agent.
func (m *Manager) Send(content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.active() || !m.promptsOpen {
		return ErrNoActiveSession
	}
	select {
	case m.prompts <- content:
		return nil
	default:
		return ErrQueueFull
	}
}

// HandlePermissionResponse resolves a pending permission by tool-use id.
// Unknown and already-resolved ids are ignored; the client may be racing a
// timeout.
func (m *Manager) HandlePermissionResponse(id string, allow bool) {
	d := agent.PermissionDecision{Allow: allow}
	if !allow {
		d.Message = "denied by user"
	}
	m.resolvePermission(id, d)
}

// Interrupt aborts the running session. Idempotent and safe in any state.
func (m *Manager) Interrupt() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown asks a running agent to wind down and waits for it, at most
// until ctx expires, then falls back to an abort.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	run := m.run
	m.mu.Unlock()
	if run == nil {
		return
	}
	run.Stop()
	done := make(chan struct{})
	go func() {
		_ = run.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.Interrupt()
	}
}

// subscribersLocked snapshots the fan-out set. Callers hold mu.
func (m *Manager) subscribersLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(m.subscribers))
	for s := range m.subscribers {
		subs = append(subs, s)
	}
	return subs
}

// fanout delivers one marshaled event to every subscriber in the snapshot.
// Send failures are absorbed; the connection's close handler cleans up.
func (m *Manager) fanout(subs []Subscriber, data []byte) {
	if data == nil {
		return
	}
	for _, sub := range subs {
		if err := sub.Send(data); err != nil {
			m.logger.Debug("subscriber send failed", "error", err)
		}
	}
}

func (m *Manager) marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("marshal event", "error", err)
		return nil
	}
	return data
}
