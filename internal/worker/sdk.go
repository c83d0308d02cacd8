package worker

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
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/termdeck/termdeck/internal/activity"
	"github.com/termdeck/termdeck/internal/agentdef"
	"github.com/termdeck/termdeck/internal/id"
	"github.com/termdeck/termdeck/internal/metrics"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/store"
)

const (
	cancelBudget      = 5 * time.Second
	historyLoadBudget = 2 * time.Second
)

// sdkControlResult holds the outcome of a pending control request.
type sdkControlResult struct {
	Success bool
	Error   string
}

// SDKOptions configures an SDK-mode agent engine.
type SDKOptions struct {
	SessionID  string
	WorkerID   string
	Definition protocol.AgentDefinition
	WorkingDir string

	// Store persists the structured transcript. Required.
	Store *store.Store

	// Command overrides the definition's headless template (tests).
	Command string
	Args    []string

	// OnStart fires when the subprocess launches (worker activation).
	OnStart    func()
	OnActivity func(state activity.State)
	OnExit     func(exitCode int)
}

// SDKEngine drives an agent subprocess speaking NDJSON over
// stdin/stdout. The transcript primitive is (messages, lastUuid)
// instead of byte offsets; everything else matches the PTY contract.
type SDKEngine struct {
	opts SDKOptions

	mu       sync.Mutex
	sinks    sinkSet
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	cancel   context.CancelFunc
	done     chan struct{} // closed after the current process is reaped
	gen      int           // spawn generation; stale process callbacks are dropped
	started  bool
	stopped  bool
	exited   bool
	lastExit protocol.Exit
	state    activity.State
	lastUUID string
	resume   bool // next spawn uses the continue template

	pendingMu sync.Mutex
	pending   map[string]chan<- sdkControlResult
}

// NewSDKEngine builds the engine without starting the subprocess; the
// process starts on first Attach or EnsureStarted.
func NewSDKEngine(opts SDKOptions) *SDKEngine {
	return &SDKEngine{
		opts:    opts,
		sinks:   make(sinkSet),
		done:    make(chan struct{}),
		state:   activity.Unknown,
		pending: make(map[string]chan<- sdkControlResult),
	}
}

// Attach subscribes s and replays the stored transcript followed by a
// server-restarted marker so the client can tell this process apart
// from the one it may have talked to before.
func (e *SDKEngine) Attach(s Sink) {
	e.mu.Lock()
	if !e.started && !e.exited {
		e.startLocked()
	}
	e.sinks.add(s)
	exited := e.exited
	exitFrame := e.lastExit
	e.mu.Unlock()

	s.Send(e.messageHistory(nil))
	s.Send(protocol.ServerRestarted{ServerPID: os.Getpid()})
	if exited {
		s.Send(exitFrame)
	}
}

func (e *SDKEngine) Detach(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks.remove(s)
}

// EnsureStarted spawns the subprocess if it is not running yet.
func (e *SDKEngine) EnsureStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started && !e.exited {
		e.startLocked()
	}
}

// Started reports whether the subprocess has ever been launched.
func (e *SDKEngine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Exited reports whether the subprocess is gone.
func (e *SDKEngine) Exited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exited
}

// ActivityState returns the engine's current activity state.
func (e *SDKEngine) ActivityState() activity.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HandleFrame processes one client frame.
func (e *SDKEngine) HandleFrame(s Sink, f protocol.ClientFrame) {
	switch fr := f.(type) {
	case *protocol.UserMessage:
		e.handleUserMessage(s, fr.Content)
	case *protocol.Cancel:
		go e.handleCancel(s)
	case *protocol.RequestSDKHistory:
		s.Send(e.messageHistory(fr.LastUUID))
	default:
		s.Send(protocol.Error{
			Message: "frame not supported by this worker",
			Code:    protocol.CodeInvalidMessage,
		})
	}
}

// Close stops the subprocess and drops all sinks.
func (e *SDKEngine) Close() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	stdin := e.stdin
	cancel := e.cancel
	done := e.done
	started := e.started && !e.exited
	e.sinks = make(sinkSet)
	e.mu.Unlock()

	if !started {
		return
	}
	// Closing stdin asks the agent to shut down on its own; the
	// context cancel escalates to SIGTERM, then SIGKILL after
	// WaitDelay.
	if stdin != nil {
		_ = stdin.Close()
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		if cancel != nil {
			cancel()
		}
	}
}

// Restart replaces the agent subprocess in place, keeping attached
// sinks. With resume the replacement picks the conversation back up
// via the continue template; without it the stored transcript is
// cleared and the agent starts fresh. The definition may differ from
// the original, which is how an agent swap is performed.
func (e *SDKEngine) Restart(def protocol.AgentDefinition, resume bool) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.gen++
	oldStdin := e.stdin
	oldCancel := e.cancel
	wasRunning := e.started && !e.exited
	e.opts.Definition = def
	e.resume = resume
	e.started = false
	e.exited = false
	e.cmd = nil
	e.stdin = nil
	e.cancel = nil
	e.lastExit = protocol.Exit{}
	e.lastUUID = ""
	e.state = activity.Unknown
	e.done = make(chan struct{})
	e.mu.Unlock()

	if wasRunning {
		if oldStdin != nil {
			_ = oldStdin.Close()
		}
		if oldCancel != nil {
			oldCancel()
		}
	}
	if !resume {
		ctx, cancel := context.WithTimeout(context.Background(), historyLoadBudget)
		if err := e.opts.Store.ClearSDKMessages(ctx, e.opts.SessionID, e.opts.WorkerID); err != nil {
			slog.Warn("transcript clear failed",
				"session_id", e.opts.SessionID,
				"worker_id", e.opts.WorkerID,
				"error", err,
			)
		}
		cancel()
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.startLocked()
	e.mu.Unlock()

	// Attached clients resync against the replacement process the same
	// way a fresh attach would.
	hist := e.messageHistory(nil)
	e.mu.Lock()
	e.sinks.broadcast(hist)
	e.sinks.broadcast(protocol.ServerRestarted{ServerPID: os.Getpid()})
	e.mu.Unlock()
}

func (e *SDKEngine) startLocked() {
	command, args := e.opts.Command, e.opts.Args
	if command == "" {
		tpl := e.opts.Definition.HeadlessTemplate
		if e.resume && e.opts.Definition.ContinueTemplate != "" {
			tpl = e.opts.Definition.ContinueTemplate
		}
		if tpl == "" {
			tpl = e.opts.Definition.CommandTemplate
		}
		command, args = agentdef.BuildCommand(tpl, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = e.opts.WorkingDir
	cmd.Env = os.Environ()
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		e.failStartLocked(fmt.Errorf("stdin pipe: %w", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		e.failStartLocked(fmt.Errorf("stdout pipe: %w", err))
		return
	}
	stderr := new(bytes.Buffer)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		e.failStartLocked(fmt.Errorf("start %s: %w", command, err))
		return
	}

	e.cmd = cmd
	e.stdin = stdin
	e.cancel = cancel
	e.started = true
	metrics.ActiveWorkers.WithLabelValues(string(protocol.WorkerAgent)).Inc()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	go e.readLoop(e.gen, cmd, scanner, stderr, e.done)

	slog.Info("sdk agent started",
		"session_id", e.opts.SessionID,
		"worker_id", e.opts.WorkerID,
		"agent", e.opts.Definition.ID,
		"pid", cmd.Process.Pid,
	)
	if e.opts.OnStart != nil {
		go e.opts.OnStart()
	}
}

func (e *SDKEngine) failStartLocked(err error) {
	slog.Warn("sdk agent spawn failed",
		"session_id", e.opts.SessionID,
		"worker_id", e.opts.WorkerID,
		"error", err,
	)
	e.exited = true
	e.lastExit = protocol.Exit{ExitCode: -1}
	e.sinks.broadcast(protocol.Error{
		Message: err.Error(),
		Code:    protocol.CodeSpawnFailed,
	})
	e.sinks.broadcast(e.lastExit)
	close(e.done)
	if e.opts.OnExit != nil {
		go e.opts.OnExit(-1)
	}
}

// readLoop consumes NDJSON lines from the agent. Each line becomes a
// stored transcript message and an sdk-message frame, except control
// responses which settle pending requests instead. A restart bumps the
// generation, which turns the old process's loop into a silent reaper.
func (e *SDKEngine) readLoop(gen int, cmd *exec.Cmd, scanner *bufio.Scanner, stderr *bytes.Buffer, done chan struct{}) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)

		if !e.isCurrent(gen) {
			continue
		}
		if e.settleControlResponse(lineCopy) {
			continue
		}
		e.ingest(lineCopy)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("sdk agent stdout read error",
			"worker_id", e.opts.WorkerID,
			"error", err,
		)
	}

	// Reap after stdout is drained so Wait does not race the scanner.
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			slog.Warn("sdk agent stderr",
				"worker_id", e.opts.WorkerID,
				"stderr", msg,
			)
		}
	}
	close(done)
	metrics.ActiveWorkers.WithLabelValues(string(protocol.WorkerAgent)).Dec()

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.exited = true
	e.lastExit = protocol.Exit{ExitCode: exitCode}
	e.sinks.broadcast(e.lastExit)
	e.setStateLocked(activity.Idle)
	e.mu.Unlock()

	slog.Info("sdk agent exited",
		"session_id", e.opts.SessionID,
		"worker_id", e.opts.WorkerID,
		"exit_code", exitCode,
	)
	if e.opts.OnExit != nil {
		e.opts.OnExit(exitCode)
	}
}

func (e *SDKEngine) isCurrent(gen int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == gen
}

// ingest turns one agent output line into a transcript message.
func (e *SDKEngine) ingest(line []byte) {
	var envelope struct {
		Type string `json:"type"`
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil || envelope.Type == "" {
		slog.Debug("dropping unparseable agent line",
			"worker_id", e.opts.WorkerID,
			"len", len(line),
		)
		return
	}

	msg := protocol.SDKMessage{
		UUID:    envelope.UUID,
		Role:    envelope.Type,
		Payload: json.RawMessage(line),
	}
	if msg.UUID == "" {
		msg.UUID = uuid.NewString()
	}
	e.record(msg)

	switch envelope.Type {
	case "assistant", "system":
		e.setState(activity.Active)
	case "result":
		e.setState(activity.Idle)
	}
}

// record persists the message and fans it out.
func (e *SDKEngine) record(msg protocol.SDKMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), historyLoadBudget)
	err := e.opts.Store.AppendSDKMessage(ctx, e.opts.SessionID, e.opts.WorkerID, msg)
	cancel()
	if err != nil {
		slog.Warn("transcript append failed",
			"session_id", e.opts.SessionID,
			"worker_id", e.opts.WorkerID,
			"error", err,
		)
	}
	metrics.SDKMessagesTotal.Inc()

	e.mu.Lock()
	e.lastUUID = msg.UUID
	e.sinks.broadcast(protocol.SDKMessageFrame{Message: msg})
	e.mu.Unlock()
}

// messageHistory loads the transcript after lastUUID (nil for all).
// Store reads past the load budget surface as HISTORY_LOAD_FAILED on
// the requesting connection instead of blocking it.
func (e *SDKEngine) messageHistory(afterUUID *string) protocol.ServerFrame {
	ctx, cancel := context.WithTimeout(context.Background(), historyLoadBudget)
	defer cancel()
	msgs, err := e.opts.Store.ListSDKMessages(ctx, e.opts.SessionID, e.opts.WorkerID, afterUUID)
	if err != nil {
		return protocol.Error{
			Message: fmt.Sprintf("load transcript: %v", err),
			Code:    protocol.CodeHistoryLoadFailed,
		}
	}
	var last *string
	if len(msgs) > 0 {
		last = &msgs[len(msgs)-1].UUID
	}
	if msgs == nil {
		msgs = []protocol.SDKMessage{}
	}
	return protocol.MessageHistory{Messages: msgs, LastUUID: last}
}

func (e *SDKEngine) handleUserMessage(s Sink, content string) {
	e.mu.Lock()
	if e.exited || e.stopped {
		e.mu.Unlock()
		s.Send(protocol.Error{
			Message: "worker has exited",
			Code:    protocol.CodeWorkerExited,
		})
		return
	}
	if !e.started {
		e.startLocked()
		if e.exited {
			e.mu.Unlock()
			return
		}
	}
	stdin := e.stdin
	e.mu.Unlock()

	input := struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}{Type: "user"}
	input.Message.Role = "user"
	input.Message.Content = content

	data, err := json.Marshal(input)
	if err != nil {
		s.Send(protocol.Error{Message: fmt.Sprintf("marshal input: %v", err)})
		return
	}
	// The user's side of the turn goes into the transcript too; agent
	// output replays do not echo it. Recorded before the write so the
	// agent's reply cannot overtake it in the transcript.
	e.record(protocol.SDKMessage{
		UUID:    uuid.NewString(),
		Role:    "user",
		Payload: append([]byte(nil), data...),
	})
	e.setState(activity.Active)

	data = append(data, '\n')
	if _, err := stdin.Write(data); err != nil {
		s.Send(protocol.Error{
			Message: fmt.Sprintf("write agent stdin: %v", err),
			Code:    protocol.CodeWorkerExited,
		})
	}
}

// handleCancel interrupts the current turn. The engine either reaches
// idle or reports CANCEL_FAILED within the budget.
func (e *SDKEngine) handleCancel(s Sink) {
	if _, err := e.sendControlAndWait(`{"subtype":"interrupt"}`, cancelBudget); err != nil {
		s.Send(protocol.Error{
			Message: fmt.Sprintf("cancel: %v", err),
			Code:    protocol.CodeCancelFailed,
		})
		return
	}
	e.setState(activity.Idle)
}

// sendControlAndWait issues a control_request and blocks for its
// control_response, the process exit, or the timeout.
func (e *SDKEngine) sendControlAndWait(requestBody string, timeout time.Duration) (sdkControlResult, error) {
	e.mu.Lock()
	if e.exited || !e.started {
		e.mu.Unlock()
		return sdkControlResult{}, fmt.Errorf("agent is not running")
	}
	stdin := e.stdin
	done := e.done
	e.mu.Unlock()

	requestID := id.Generate()[:16]
	ch := make(chan sdkControlResult, 1)
	e.pendingMu.Lock()
	e.pending[requestID] = ch
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, requestID)
		e.pendingMu.Unlock()
	}()

	msg := fmt.Sprintf(`{"type":"control_request","request_id":"%s","request":%s}`+"\n", requestID, requestBody)
	if _, err := stdin.Write([]byte(msg)); err != nil {
		return sdkControlResult{}, fmt.Errorf("write control request: %w", err)
	}

	select {
	case resp := <-ch:
		if !resp.Success {
			return resp, fmt.Errorf("%s", resp.Error)
		}
		return resp, nil
	case <-done:
		return sdkControlResult{}, fmt.Errorf("agent process exited")
	case <-time.After(timeout):
		return sdkControlResult{}, fmt.Errorf("timed out waiting for agent")
	}
}

// settleControlResponse consumes a control_response line matching a
// pending request. Returns true when the line was consumed.
func (e *SDKEngine) settleControlResponse(line []byte) bool {
	if !bytes.Contains(line, []byte(`"control_response"`)) {
		return false
	}
	var envelope struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string `json:"subtype"`
			RequestID string `json:"request_id"`
			Error     string `json:"error"`
		} `json:"response"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil || envelope.Type != "control_response" {
		return false
	}

	e.pendingMu.Lock()
	ch, ok := e.pending[envelope.Response.RequestID]
	e.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- sdkControlResult{
		Success: envelope.Response.Subtype == "success",
		Error:   envelope.Response.Error,
	}
	return true
}

func (e *SDKEngine) setState(s activity.State) {
	e.mu.Lock()
	e.setStateLocked(s)
	e.mu.Unlock()
}

// setStateLocked is edge-triggered like the PTY detector.
func (e *SDKEngine) setStateLocked(s activity.State) {
	if e.state == s {
		return
	}
	e.state = s
	metrics.ActivityTransitions.WithLabelValues(string(s)).Inc()
	e.sinks.broadcast(protocol.Activity{State: string(s)})
	if e.opts.OnActivity != nil {
		go e.opts.OnActivity(s)
	}
}
