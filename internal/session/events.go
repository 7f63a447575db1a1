package session

import (
	"context"
	"errors"
	"time"

	"github.com/gatehouse-sh/gatehouse/internal/agent"
	"github.com/gatehouse-sh/gatehouse/internal/store"
	"github.com/gatehouse-sh/gatehouse/pkg/protocol"
)

// loop consumes the agent's output until it exits, then finalizes the
// session. It is the only goroutine that broadcasts turn events, which keeps
// their order identical to the agent's.
func (m *Manager) loop(run Process) {
	for ev := range run.Events() {
		m.handleEvent(run, ev)
	}
	m.finalize(run.Wait())
}

func (m *Manager) handleEvent(run Process, ev agent.Event) {
	switch ev.Type {
	case agent.EventText:
		m.broadcast(protocol.Text{Type: protocol.TypeText, Content: ev.Text})

	case agent.EventToolUse:
		m.mu.Lock()
		m.toolNames[ev.ToolUseID] = ev.Tool
		m.mu.Unlock()
		m.broadcast(protocol.ToolStart{
			Type:      protocol.TypeToolStart,
			Tool:      ev.Tool,
			ToolUseID: ev.ToolUseID,
			Input:     ev.Input,
		})

	case agent.EventToolResult:
		m.mu.Lock()
		tool := m.toolNames[ev.ToolUseID]
		delete(m.toolNames, ev.ToolUseID)
		m.mu.Unlock()
		m.broadcast(protocol.ToolEnd{
			Type:      protocol.TypeToolEnd,
			Tool:      tool,
			ToolUseID: ev.ToolUseID,
			Output:    ev.Content,
		})

	case agent.EventResult:
		m.mu.Lock()
		m.totalCost = ev.TotalCostUSD
		id := m.sessionID
		m.mu.Unlock()
		m.broadcast(protocol.Cost{Type: protocol.TypeCost, TotalUSD: ev.TotalCostUSD})
		if err := m.store.UpdateSessionUsage(context.Background(), id, ev.NumTurns, ev.TotalCostUSD); err != nil {
			m.logger.Warn("update session usage", "error", err, "session_id", id)
		}

	case agent.EventPermission:
		m.beginPermission(run, ev)
	}
}

// broadcast marshals one event and fans it out to a subscriber snapshot
// taken under the lock. The sends happen outside the lock.
func (m *Manager) broadcast(v any) {
	data := m.marshal(v)
	m.mu.Lock()
	subs := m.subscribersLocked()
	m.mu.Unlock()
	m.fanout(subs, data)
}

// beginPermission registers a pending record keyed by tool-use id, tells the
// browser, and leaves a goroutine waiting for whichever resolution comes
// first: a permission_response, the timeout, or finalization.
func (m *Manager) beginPermission(run Process, ev agent.Event) {
	m.mu.Lock()
	if !m.state.active() {
		m.mu.Unlock()
		if err := run.Respond(ev.RequestID, agent.PermissionDecision{Message: "session ended"}); err != nil {
			m.logger.Debug("permission response delivery", "error", err)
		}
		return
	}
	p := &pendingPermission{resolve: make(chan agent.PermissionDecision, 1)}
	m.pending[ev.ToolUseID] = p
	toolUseID := ev.ToolUseID
	p.timer = time.AfterFunc(m.permissionTimeout, func() {
		m.resolvePermission(toolUseID, agent.PermissionDecision{Allow: false, Message: "permission request timed out"})
	})
	reqData := m.marshal(protocol.PermissionRequest{
		Type:        protocol.TypePermissionRequest,
		ID:          ev.ToolUseID,
		Tool:        ev.Tool,
		Input:       ev.Input,
		Description: ev.Description,
	})
	m.state = StateWaitingPermission
	stateData := m.marshal(protocol.SessionState{Type: protocol.TypeSessionState, State: string(StateWaitingPermission)})
	subs := m.subscribersLocked()
	m.mu.Unlock()

	m.fanout(subs, reqData)
	m.fanout(subs, stateData)

	go func() {
		d := <-p.resolve
		if err := run.Respond(ev.RequestID, d); err != nil {
			m.logger.Debug("permission response delivery", "error", err)
		}
	}()
}

// resolvePermission applies the first resolution for a pending id and
// returns the session to running. Later calls for the same id are no-ops:
// whoever deletes the map entry is the one that sends.
func (m *Manager) resolvePermission(id string, d agent.PermissionDecision) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)
	p.timer.Stop()
	var stateData []byte
	var subs []Subscriber
	if m.state == StateWaitingPermission {
		m.state = StateRunning
		stateData = m.marshal(protocol.SessionState{Type: protocol.TypeSessionState, State: string(StateRunning)})
		subs = m.subscribersLocked()
	}
	m.mu.Unlock()

	// The browser sees running before the agent resumes.
	m.fanout(subs, stateData)
	p.resolve <- d
}

// finalize tears the session down after the agent loop ends, whether it
// ended normally, by interrupt, or in error.
func (m *Manager) finalize(runErr error) {
	if errors.Is(runErr, context.Canceled) {
		// An interrupt is a normal way for a session to end.
		runErr = nil
	}

	m.mu.Lock()
	resolved := make([]*pendingPermission, 0, len(m.pending))
	for id, p := range m.pending {
		delete(m.pending, id)
		p.timer.Stop()
		resolved = append(resolved, p)
	}
	if m.promptsOpen {
		close(m.prompts)
		m.promptsOpen = false
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.run = nil
	id := m.sessionID
	endState := StateDone
	status := store.StatusStopped
	if runErr != nil {
		endState = StateError
		status = store.StatusError
	}
	m.state = endState
	var errData []byte
	if runErr != nil {
		errData = m.marshal(protocol.ErrorMessage{Type: protocol.TypeError, Message: runErr.Error()})
	}
	stateData := m.marshal(protocol.SessionState{Type: protocol.TypeSessionState, State: string(endState)})
	subs := m.subscribersLocked()
	m.mu.Unlock()

	for _, p := range resolved {
		p.resolve <- agent.PermissionDecision{Allow: false, Message: "session ended"}
	}
	m.fanout(subs, errData)
	m.fanout(subs, stateData)

	if err := m.store.FinishSession(context.Background(), id, m.now().UTC(), status); err != nil {
		m.logger.Warn("finish session record", "error", err, "session_id", id)
	}
	m.logger.Info("session finished", "session_id", id, "status", status)
}
