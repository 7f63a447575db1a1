package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// maxToolResultLen caps tool output carried on a single event.
	maxToolResultLen = 50000

	// scanBufSize and scanBufMax size the stdout line scanner. Tool
	// results can run to hundreds of kilobytes on a single line.
	scanBufSize = 64 * 1024
	scanBufMax  = 1024 * 1024
)

// Run is a live agent subprocess. Events are consumed from Events until the
// channel closes, then Wait reports how the process ended.
type Run struct {
	ctx    context.Context
	opts   Options
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event

	// writeMu serializes stdin writes between the prompt writer and the
	// permission responder.
	writeMu sync.Mutex

	mu            sync.Mutex
	stopped       bool
	err           error
	pendingInputs map[string]json.RawMessage

	done chan struct{}
}

// Start launches the wrapper program in streaming JSON mode and begins
// pumping its stdio.
func Start(ctx context.Context, opts Options) (*Run, error) {
	if opts.Executable == "" {
		return nil, errors.New("agent: executable path required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")

	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	cmd := exec.CommandContext(ctx, opts.Executable, args...)
	cmd.Env = mergedEnv(opts.Env)
	// On abort, interrupt first so the CLI can flush its final result
	// record; WaitDelay escalates to a kill if it lingers.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	r := &Run{
		ctx:           ctx,
		opts:          opts,
		logger:        logger,
		cmd:           cmd,
		stdin:         stdin,
		events:        make(chan Event, 64),
		pendingInputs: make(map[string]json.RawMessage),
		done:          make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		r.readOutput(stdout)
	}()
	go func() {
		defer readers.Done()
		r.drainStderr(stderr)
	}()
	if opts.Prompts != nil {
		go r.writePrompts()
	}
	go func() {
		// Pipes must be drained before Wait closes them.
		readers.Wait()
		r.finish(cmd.Wait())
	}()
	return r, nil
}

// Events returns the output stream. The channel closes when the subprocess
// exits.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Stop asks the agent to wind down by sending an interrupt signal.
// Idempotent; the process is free to flush pending output before exiting.
func (r *Run) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	proc := r.cmd.Process
	r.mu.Unlock()

	if proc != nil {
		if err := proc.Signal(os.Interrupt); err != nil {
			r.logger.Debug("agent interrupt signal", "error", err)
		}
	}
}

// Wait blocks until the subprocess has exited and all output has been
// delivered. It returns nil after a clean exit or a requested Stop, the
// context error after an abort, and the process failure otherwise.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

func (r *Run) finish(waitErr error) {
	r.mu.Lock()
	switch {
	case r.ctx.Err() != nil:
		r.err = r.ctx.Err()
	case r.stopped:
		// Exit status after an interrupt is expected to be non-zero.
	case waitErr != nil:
		r.err = fmt.Errorf("agent process: %w", waitErr)
	}
	r.mu.Unlock()
	close(r.events)
	close(r.done)
}

// writePrompts forwards user turns from the prompt channel to the agent's
// stdin, one NDJSON record per turn.
func (r *Run) writePrompts() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.done:
			return
		case prompt, ok := <-r.opts.Prompts:
			if !ok {
				r.closeStdin()
				return
			}
			if err := r.writeUserTurn(prompt); err != nil {
				r.logger.Warn("agent stdin write failed", "error", err)
				return
			}
		}
	}
}

type userTurn struct {
	Type    string      `json:"type"`
	Message turnMessage `json:"message"`
}

type turnMessage struct {
	Role    string      `json:"role"`
	Content []turnBlock `json:"content"`
}

type turnBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (r *Run) writeUserTurn(content string) error {
	return r.writeLine(userTurn{
		Type: "user",
		Message: turnMessage{
			Role:    "user",
			Content: []turnBlock{{Type: "text", Text: content}},
		},
	})
}

func (r *Run) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err = r.stdin.Write(append(data, '\n'))
	return err
}

func (r *Run) closeStdin() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.stdin.Close(); err != nil {
		r.logger.Debug("agent stdin close", "error", err)
	}
}

func (r *Run) readOutput(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanBufSize), scanBufMax)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		r.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("agent stdout read", "error", err)
	}
}

func (r *Run) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, scanBufSize), scanBufMax)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			r.logger.Warn("agent stderr", "line", line)
		}
	}
}

// handleLine parses one NDJSON record from the agent and emits the matching
// events. Record types outside the protocol are skipped.
func (r *Run) handleLine(line []byte) {
	var env struct {
		Type         string          `json:"type"`
		Subtype      string          `json:"subtype"`
		Message      json.RawMessage `json:"message"`
		RequestID    string          `json:"request_id"`
		Request      json.RawMessage `json:"request"`
		TotalCostUSD float64         `json:"total_cost_usd"`
		NumTurns     int             `json:"num_turns"`
		IsError      bool            `json:"is_error"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		r.logger.Debug("agent output not json", "line", truncate(string(line), 200))
		return
	}

	switch env.Type {
	case "assistant":
		r.handleAssistant(env.Message)
	case "user":
		r.handleToolResults(env.Message)
	case "result":
		r.events <- Event{
			Type:         EventResult,
			Subtype:      env.Subtype,
			TotalCostUSD: env.TotalCostUSD,
			NumTurns:     env.NumTurns,
			IsError:      env.IsError,
		}
	case "control_request":
		r.handleControlRequest(env.RequestID, env.Request)
	case "system", "control_response", "stream_event":
		// Progress records; nothing for subscribers in them.
	default:
	}
}

func (r *Run) handleAssistant(raw json.RawMessage) {
	var msg struct {
		Content []struct {
			Type     string          `json:"type"`
			Text     string          `json:"text"`
			Thinking string          `json:"thinking"`
			ID       string          `json:"id"`
			Name     string          `json:"name"`
			Input    json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			r.events <- Event{Type: EventText, Text: block.Text}
		case "tool_use":
			r.events <- Event{
				Type:      EventToolUse,
				ToolUseID: block.ID,
				Tool:      block.Name,
				Input:     block.Input,
			}
		case "thinking":
			r.logger.Debug("agent thinking", "text", truncate(block.Thinking, 500))
		}
	}
}

func (r *Run) handleToolResults(raw json.RawMessage) {
	var msg struct {
		Content []struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Plain-string user content is an echo of our own turn.
		return
	}
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		r.events <- Event{
			Type:      EventToolResult,
			ToolUseID: block.ToolUseID,
			Content:   truncate(extractToolResultText(block.Content), maxToolResultLen),
			IsError:   block.IsError,
		}
	}
}

type controlRequest struct {
	Subtype     string          `json:"subtype"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input"`
	ToolUseID   string          `json:"tool_use_id"`
	Description string          `json:"description"`
}

type controlReply struct {
	Type     string         `json:"type"`
	Response controlOutcome `json:"response"`
}

type controlOutcome struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

type permissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// handleControlRequest turns a can_use_tool request into an EventPermission
// and remembers its input for the eventual Respond. Other control subtypes
// are refused inline.
func (r *Run) handleControlRequest(requestID string, raw json.RawMessage) {
	var req controlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		r.logger.Warn("agent control request malformed", "error", err)
		return
	}
	if req.Subtype != "can_use_tool" {
		reply := controlReply{Type: "control_response", Response: controlOutcome{
			Subtype:   "error",
			RequestID: requestID,
			Error:     fmt.Sprintf("unsupported control request: %s", req.Subtype),
		}}
		if err := r.writeLine(reply); err != nil {
			r.logger.Warn("agent control response write failed", "error", err)
		}
		return
	}

	r.mu.Lock()
	r.pendingInputs[requestID] = req.Input
	r.mu.Unlock()

	r.events <- Event{
		Type:        EventPermission,
		RequestID:   requestID,
		ToolUseID:   req.ToolUseID,
		Tool:        req.ToolName,
		Input:       req.Input,
		Description: req.Description,
	}
}

// Respond answers a permission event. The first response for a given
// RequestID wins; later ones report an error.
func (r *Run) Respond(requestID string, d PermissionDecision) error {
	r.mu.Lock()
	input, ok := r.pendingInputs[requestID]
	if ok {
		delete(r.pendingInputs, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent: no pending control request %q", requestID)
	}
	reply := controlReply{Type: "control_response", Response: controlOutcome{
		Subtype:   "success",
		RequestID: requestID,
		Response:  permissionOutcome(input, d),
	}}
	return r.writeLine(reply)
}

func permissionOutcome(input json.RawMessage, d PermissionDecision) permissionResult {
	if !d.Allow {
		msg := d.Message
		if msg == "" {
			msg = "denied"
		}
		return permissionResult{Behavior: "deny", Message: msg}
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return permissionResult{Behavior: "allow", UpdatedInput: input}
}

// extractToolResultText flattens tool result content, which arrives either
// as a plain string or as a list of text blocks.
func extractToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}

// mergedEnv is the parent environment plus extra entries. The agent's own
// session marker is stripped so a wrapper running on the host does not trip
// the CLI's nested-session check.
func mergedEnv(extra []string) []string {
	parent := os.Environ()
	env := make([]string, 0, len(parent)+len(extra))
	for _, e := range parent {
		if strings.HasPrefix(e, "CLAUDECODE=") {
			continue
		}
		env = append(env, e)
	}
	return append(env, extra...)
}
