package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-sh/gatehouse/internal/agent"
	"github.com/gatehouse-sh/gatehouse/internal/store"
)

type fakeProcess struct {
	events chan agent.Event
	waitCh chan struct{}

	mu      sync.Mutex
	replies map[string]agent.PermissionDecision
	stopped bool
	waitErr error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		events:  make(chan agent.Event, 16),
		waitCh:  make(chan struct{}),
		replies: make(map[string]agent.PermissionDecision),
	}
}

func (p *fakeProcess) Events() <-chan agent.Event { return p.events }

func (p *fakeProcess) Respond(id string, d agent.PermissionDecision) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.replies[id]; dup {
		return errors.New("already responded")
	}
	p.replies[id] = d
	return nil
}

func (p *fakeProcess) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *fakeProcess) Wait() error {
	<-p.waitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// finish ends the fake agent the way a real process exit does: the event
// stream closes, then Wait unblocks with err.
func (p *fakeProcess) finish(err error) {
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.events)
	close(p.waitCh)
}

func (p *fakeProcess) reply(id string) (agent.PermissionDecision, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.replies[id]
	return d, ok
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type fakeSubscriber struct {
	mu      sync.Mutex
	sendErr error
	msgs    []map[string]any
}

func (s *fakeSubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *fakeSubscriber) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i], _ = m["type"].(string)
	}
	return out
}

func (s *fakeSubscriber) message(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[i]
}

func (s *fakeSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type launchCapture struct {
	mu   sync.Mutex
	ctx  context.Context
	opts agent.Options
	err  error
	proc *fakeProcess
	n    int
}

func (lc *launchCapture) launch(ctx context.Context, opts agent.Options) (Process, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.n++
	lc.ctx = ctx
	lc.opts = opts
	if lc.err != nil {
		return nil, lc.err
	}
	return lc.proc, nil
}

func (lc *launchCapture) lastOpts() agent.Options {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.opts
}

func (lc *launchCapture) runContext() context.Context {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.ctx
}

func newTestManager(t *testing.T, mutate ...func(*Config)) (*Manager, *fakeProcess, *launchCapture) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	proc := newFakeProcess()
	lc := &launchCapture{proc: proc}
	cfg := Config{
		Store:  st,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Launch: lc.launch,
	}
	for _, f := range mutate {
		f(&cfg)
	}
	return New(cfg), proc, lc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startSession(t *testing.T, m *Manager) string {
	t.Helper()
	id, err := m.Start(context.Background(), StartConfig{Token: "sk-ant-test", WrapperPath: "./wrapper.sh"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return id
}

func TestStartRunsAgent(t *testing.T) {
	m, _, lc := newTestManager(t)
	sub := &fakeSubscriber{}
	m.AddSubscriber(sub)

	id := startSession(t, m)

	if got := m.State(); got != StateRunning {
		t.Fatalf("state = %q, want running", got)
	}
	opts := lc.lastOpts()
	if opts.Executable != "./wrapper.sh" {
		t.Errorf("executable = %q", opts.Executable)
	}
	if !slices.Contains(opts.Env, "CLAUDE_CODE_OAUTH_TOKEN=sk-ant-test") {
		t.Errorf("env missing token: %v", opts.Env)
	}
	if opts.Prompts == nil {
		t.Error("no prompt channel handed to the agent")
	}

	waitFor(t, "running broadcast", func() bool { return sub.count() >= 2 })
	if got := sub.types(); !slices.Equal(got, []string{"session_state", "session_state"}) {
		t.Fatalf("messages = %v", got)
	}
	if sub.message(0)["state"] != "idle" || sub.message(1)["state"] != "running" {
		t.Errorf("states = %v, %v", sub.message(0)["state"], sub.message(1)["state"])
	}

	rec, err := m.store.GetSession(context.Background(), id)
	if err != nil || rec == nil {
		t.Fatalf("GetSession: %v, %v", rec, err)
	}
	if rec.Status != store.StatusRunning {
		t.Errorf("record status = %q, want running", rec.Status)
	}
}

func TestStartWhileActive(t *testing.T) {
	m, _, _ := newTestManager(t)
	startSession(t, m)

	if _, err := m.Start(context.Background(), StartConfig{Token: "t", WrapperPath: "w"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Start = %v, want ErrInvalidState", err)
	}
}

func TestStartLaunchFailure(t *testing.T) {
	m, _, lc := newTestManager(t)
	lc.err = errors.New("exec: wrapper not found")
	sub := &fakeSubscriber{}
	m.AddSubscriber(sub)

	_, err := m.Start(context.Background(), StartConfig{Token: "t", WrapperPath: "w"})
	if err == nil {
		t.Fatal("Start succeeded with a failing launcher")
	}
	if got := m.State(); got != StateError {
		t.Fatalf("state = %q, want error", got)
	}
	waitFor(t, "error broadcast", func() bool { return sub.count() >= 3 })
	types := sub.types()
	if types[1] != "error" || types[2] != "session_state" {
		t.Fatalf("messages = %v, want error then session_state", types)
	}
	if sub.message(2)["state"] != "error" {
		t.Errorf("final state = %v", sub.message(2)["state"])
	}
}

func TestSendQueuesPrompt(t *testing.T) {
	m, _, lc := newTestManager(t)
	startSession(t, m)

	if err := m.Send("hello there"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-lc.lastOpts().Prompts:
		if got != "hello there" {
			t.Errorf("prompt = %q", got)
		}
	default:
		t.Fatal("prompt not queued")
	}
}

func TestSendWithoutSession(t *testing.T) {
	m, _, _ := newTestManager(t)

	if err := m.Send("hi"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Send = %v, want ErrNoActiveSession", err)
	}
}

func TestSendAfterFinalize(t *testing.T) {
	m, proc, _ := newTestManager(t)
	startSession(t, m)

	proc.finish(nil)
	waitFor(t, "done state", func() bool { return m.State() == StateDone })

	if err := m.Send("hi"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Send = %v, want ErrNoActiveSession", err)
	}
}

func TestSendQueueFull(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) { c.QueueSize = 1 })
	startSession(t, m)

	if err := m.Send("one"); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := m.Send("two"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Send = %v, want ErrQueueFull", err)
	}
}

func TestTextAndToolBroadcasts(t *testing.T) {
	m, proc, _ := newTestManager(t)
	sub := &fakeSubscriber{}
	m.AddSubscriber(sub)
	startSession(t, m)

	proc.events <- agent.Event{Type: agent.EventText, Text: "Listing files."}
	proc.events <- agent.Event{Type: agent.EventToolUse, ToolUseID: "t1", Tool: "Bash", Input: json.RawMessage(`{"command":"ls"}`)}
	proc.events <- agent.Event{Type: agent.EventToolResult, ToolUseID: "t1", Content: "total 0"}

	waitFor(t, "tool_end broadcast", func() bool { return sub.count() >= 5 })
	types := sub.types()
	want := []string{"session_state", "session_state", "text", "tool_start", "tool_end"}
	if !slices.Equal(types, want) {
		t.Fatalf("messages = %v, want %v", types, want)
	}
	if sub.message(2)["content"] != "Listing files." {
		t.Errorf("text content = %v", sub.message(2)["content"])
	}
	toolStart := sub.message(3)
	if toolStart["tool"] != "Bash" || toolStart["toolUseId"] != "t1" {
		t.Errorf("tool_start = %v", toolStart)
	}
	toolEnd := sub.message(4)
	if toolEnd["tool"] != "Bash" || toolEnd["output"] != "total 0" {
		t.Errorf("tool_end = %v, want remembered tool name and output", toolEnd)
	}
}

func TestResultUpdatesCostAndUsage(t *testing.T) {
	m, proc, _ := newTestManager(t)
	sub := &fakeSubscriber{}
	m.AddSubscriber(sub)
	id := startSession(t, m)

	proc.events <- agent.Event{Type: agent.EventResult, Subtype: "success", TotalCostUSD: 0.25, NumTurns: 2}

	waitFor(t, "cost broadcast", func() bool { return sub.count() >= 3 })
	if sub.message(2)["type"] != "cost" || sub.message(2)["totalUsd"] != 0.25 {
		t.Fatalf("cost message = %v", sub.message(2))
	}

	waitFor(t, "usage persisted", func() bool {
		rec, err := m.store.GetSession(context.Background(), id)
		return err == nil && rec != nil && rec.TurnCount == 2 && rec.CostUSD == 0.25
	})

	// A late subscriber learns the state and the accumulated cost.
	late := &fakeSubscriber{}
	m.AddSubscriber(late)
	waitFor(t, "late subscriber snapshot", func() bool { return late.count() >= 2 })
	if got := late.types(); !slices.Equal(got, []string{"session_state", "cost"}) {
		t.Fatalf("late subscriber messages = %v", got)
	}
}

func TestPermissionAllowFlow(t *testing.T) {
	m, proc, _ := newTestManager(t)
	sub := &fakeSubscriber{}
	m.AddSubscriber(sub)
	startSession(t, m)

	proc.events <- agent.Event{Type: agent.EventToolUse, ToolUseID: "t1", Tool: "Bash", Input: json.RawMessage(`{"command":"ls"}`)}
	proc.events <- agent.Event{
		Type:        agent.EventPermission,
		RequestID:   "req_1",
		ToolUseID:   "t1",
		Tool:        "Bash",
		Input:       json.RawMessage(`{"command":"ls"}`),
		Description: "Run ls",
	}

	waitFor(t, "waiting_permission", func() bool { return m.State() == StateWaitingPermission })
	waitFor(t, "permission broadcast", func() bool { return sub.count() >= 5 })

	types := sub.types()
	want := []string{"session_state", "session_state", "tool_start", "permission_request", "session_state"}
	if !slices.Equal(types, want) {
		t.Fatalf("messages = %v, want %v", types, want)
	}
	req := sub.message(3)
	if req["id"] != "t1" || req["tool"] != "Bash" || req["description"] != "Run ls" {
		t.Errorf("permission_request = %v", req)
	}
	if sub.message(4)["state"] != "waiting_permission" {
		t.Errorf("state after request = %v", sub.message(4)["state"])
	}

	m.HandlePermissionResponse("t1", true)

	waitFor(t, "agent resumed", func() bool {
		_, ok := proc.reply("req_1")
		return ok
	})
	d, _ := proc.reply("req_1")
	if !d.Allow {
		t.Fatalf("decision = %+v, want allow", d)
	}
	waitFor(t, "running broadcast", func() bool { return sub.count() >= 6 })
	if sub.message(5)["state"] != "running" {
		t.Errorf("state after response = %v", sub.message(5)["state"])
	}

	proc.events <- agent.Event{Type: agent.EventResult, TotalCostUSD: 0.01, NumTurns: 1}
	proc.finish(nil)

	waitFor(t, "done", func() bool { return m.State() == StateDone })
	waitFor(t, "final broadcasts", func() bool { return sub.count() >= 8 })
	types = sub.types()
	tail := types[len(types)-2:]
	if !slices.Equal(tail, []string{"cost", "session_state"}) {
		t.Fatalf("tail = %v, want cost then session_state", tail)
	}
	if last := sub.message(sub.count() - 1); last["state"] != "done" {
		t.Errorf("final state = %v", last["state"])
	}
}

func TestPermissionDeny(t *testing.T) {
	m, proc, _ := newTestManager(t)
	startSession(t, m)

	proc.events <- agent.Event{Type: agent.EventPermission, RequestID: "req_1", ToolUseID: "t1", Tool: "Write"}
	waitFor(t, "pending", func() bool { return m.State() == StateWaitingPermission })

	m.HandlePermissionResponse("t1", false)

	waitFor(t, "denied", func() bool {
		_, ok := proc.reply("req_1")
		return ok
	})
	d, _ := proc.reply("req_1")
	if d.Allow || d.Message != "denied by user" {
		t.Fatalf("decision = %+v", d)
	}
	if got := m.State(); got != StateRunning {
		t.Errorf("state = %q, want running", got)
	}
}

func TestPermissionTimeout(t *testing.T) {
	m, proc, _ := newTestManager(t, func(c *Config) { c.PermissionTimeout = 20 * time.Millisecond })
	sub := &fakeSubscriber{}
	m.AddSubscriber(sub)
	startSession(t, m)

	proc.events <- agent.Event{Type: agent.EventPermission, RequestID: "req_1", ToolUseID: "t1", Tool: "Bash"}

	waitFor(t, "timeout deny", func() bool {
		_, ok := proc.reply("req_1")
		return ok
	})
	d, _ := proc.reply("req_1")
	if d.Allow || !strings.Contains(d.Message, "timed out") {
		t.Fatalf("decision = %+v, want deny with a timeout message", d)
	}
	waitFor(t, "back to running", func() bool { return m.State() == StateRunning })
}

func TestPermissionDuplicateResponse(t *testing.T) {
	m, proc, _ := newTestManager(t)
	startSession(t, m)

	proc.events <- agent.Event{Type: agent.EventPermission, RequestID: "req_1", ToolUseID: "t1", Tool: "Bash"}
	waitFor(t, "pending", func() bool { return m.State() == StateWaitingPermission })

	m.HandlePermissionResponse("t1", true)
	waitFor(t, "resolved", func() bool {
		_, ok := proc.reply("req_1")
		return ok
	})

	// The race loser is a no-op.
	m.HandlePermissionResponse("t1", false)

	d, _ := proc.reply("req_1")
	if !d.Allow {
		t.Fatalf("second response overwrote the first: %+v", d)
	}
}

func TestPermissionUnknownID(t *testing.T) {
	m, proc, _ := newTestManager(t)
	startSession(t, m)

	m.HandlePermissionResponse("ghost", true)

	if got := m.State(); got != StateRunning {
		t.Fatalf("state = %q, want running untouched", got)
	}
	if _, ok := proc.reply("ghost"); ok {
		t.Fatal("response delivered for an unknown id")
	}
}

func TestFinalizeCleanExit(t *testing.T) {
	m, proc, _ := newTestManager(t)
	sub := &fakeSubscriber{}
	m.AddSubscriber(sub)
	id := startSession(t, m)

	proc.finish(nil)

	waitFor(t, "done", func() bool { return m.State() == StateDone })
	waitFor(t, "record finished", func() bool {
		rec, err := m.store.GetSession(context.Background(), id)
		return err == nil && rec != nil && rec.Status == store.StatusStopped && rec.EndedAt != nil
	})
	if last := sub.message(sub.count() - 1); last["state"] != "done" {
		t.Errorf("final broadcast = %v", last)
	}
}

func TestFinalizeError(t *testing.T) {
	m, proc, _ := newTestManager(t)
	sub := &fakeSubscriber{}
	m.AddSubscriber(sub)
	id := startSession(t, m)

	proc.finish(errors.New("agent process: exit status 1"))

	waitFor(t, "error state", func() bool { return m.State() == StateError })
	waitFor(t, "record errored", func() bool {
		rec, err := m.store.GetSession(context.Background(), id)
		return err == nil && rec != nil && rec.Status == store.StatusError
	})
	waitFor(t, "error broadcast", func() bool { return sub.count() >= 4 })
	types := sub.types()
	if types[len(types)-2] != "error" || types[len(types)-1] != "session_state" {
		t.Fatalf("tail = %v, want error then session_state", types)
	}
	if msg, _ := sub.message(sub.count() - 2)["message"].(string); !strings.Contains(msg, "exit status 1") {
		t.Errorf("error message = %q", msg)
	}
}

func TestFinalizeInterrupt(t *testing.T) {
	m, proc, _ := newTestManager(t)
	id := startSession(t, m)

	proc.finish(context.Canceled)

	waitFor(t, "done after interrupt", func() bool { return m.State() == StateDone })
	rec, err := m.store.GetSession(context.Background(), id)
	if err != nil || rec == nil {
		t.Fatalf("GetSession: %v, %v", rec, err)
	}
	if rec.Status != store.StatusStopped {
		t.Errorf("status = %q, want stopped", rec.Status)
	}
}

func TestFinalizeResolvesPending(t *testing.T) {
	m, proc, _ := newTestManager(t)
	startSession(t, m)

	proc.events <- agent.Event{Type: agent.EventPermission, RequestID: "req_1", ToolUseID: "t1", Tool: "Bash"}
	waitFor(t, "pending", func() bool { return m.State() == StateWaitingPermission })

	proc.finish(nil)

	waitFor(t, "pending denied", func() bool {
		_, ok := proc.reply("req_1")
		return ok
	})
	d, _ := proc.reply("req_1")
	if d.Allow || d.Message != "session ended" {
		t.Fatalf("decision = %+v, want deny with session ended", d)
	}
	waitFor(t, "done", func() bool { return m.State() == StateDone })
}

func TestInterruptCancelsRunContext(t *testing.T) {
	m, proc, lc := newTestManager(t)
	startSession(t, m)

	m.Interrupt()

	select {
	case <-lc.runContext().Done():
	case <-time.After(time.Second):
		t.Fatal("run context not canceled")
	}
	// The driver exits with Canceled after an abort.
	proc.finish(context.Canceled)
	waitFor(t, "done", func() bool { return m.State() == StateDone })

	// Safe to call again with nothing running.
	m.Interrupt()
}

func TestRestartAfterDone(t *testing.T) {
	m, proc, lc := newTestManager(t)
	startSession(t, m)
	proc.finish(nil)
	waitFor(t, "done", func() bool { return m.State() == StateDone })

	next := newFakeProcess()
	lc.mu.Lock()
	lc.proc = next
	lc.mu.Unlock()

	startSession(t, m)
	if got := m.State(); got != StateRunning {
		t.Fatalf("state = %q, want running after restart", got)
	}

	sessions, err := m.store.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("got %d session records, want 2", len(sessions))
	}
}

func TestSubscriberFailureIsolation(t *testing.T) {
	m, proc, _ := newTestManager(t)
	bad := &fakeSubscriber{sendErr: errors.New("connection gone")}
	good := &fakeSubscriber{}
	m.AddSubscriber(bad)
	m.AddSubscriber(good)
	startSession(t, m)

	proc.events <- agent.Event{Type: agent.EventText, Text: "still here"}

	waitFor(t, "delivery to the healthy subscriber", func() bool { return good.count() >= 3 })
	if got := good.types()[2]; got != "text" {
		t.Errorf("third message type = %q, want text", got)
	}
}

func TestRemoveSubscriber(t *testing.T) {
	m, proc, _ := newTestManager(t)
	a := &fakeSubscriber{}
	b := &fakeSubscriber{}
	m.AddSubscriber(a)
	m.AddSubscriber(b)
	startSession(t, m)
	waitFor(t, "running broadcast", func() bool { return a.count() >= 2 && b.count() >= 2 })

	m.RemoveSubscriber(a)
	frozen := a.count()

	proc.events <- agent.Event{Type: agent.EventToolUse, ToolUseID: "t1", Tool: "Bash"}
	waitFor(t, "delivery to b", func() bool { return b.count() >= 3 })

	if a.count() != frozen {
		t.Errorf("removed subscriber still receiving: %v", a.types())
	}
	if got := m.State(); got != StateRunning {
		t.Errorf("state = %q, removing a subscriber must not change it", got)
	}
}

func TestShutdownStopsAgent(t *testing.T) {
	m, proc, _ := newTestManager(t)
	startSession(t, m)

	done := make(chan struct{})
	go func() {
		m.Shutdown(context.Background())
		close(done)
	}()

	waitFor(t, "stop signal", proc.wasStopped)
	proc.finish(nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return")
	}
	waitFor(t, "done", func() bool { return m.State() == StateDone })
}
