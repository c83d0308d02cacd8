package worker

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"github.com/termdeck/termdeck/internal/activity"
	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/history"
	"github.com/termdeck/termdeck/internal/id"
	"github.com/termdeck/termdeck/internal/metrics"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/ptyproc"
)

// SpawnSpec tells a PTY engine what to run.
type SpawnSpec struct {
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
}

// PTYOptions configures a PTY-backed engine.
type PTYOptions struct {
	SessionID  string
	WorkerID   string
	WorkerType protocol.WorkerType
	ServerID   string
	Limits     *config.Limits
	Spawn      SpawnSpec

	// AskingPatterns seed the activity detector; nil disables asking
	// detection (plain terminals).
	AskingPatterns []*regexp.Regexp

	// SpoolDir receives pasted image files. Empty rejects image frames.
	SpoolDir string

	// OnSpawn fires when the PTY first starts (worker activation).
	OnSpawn func()
	// OnActivity fires on every detector edge.
	OnActivity func(state activity.State)
	// OnExit fires once when the process exits or spawn fails.
	OnExit func(exitCode int)
}

// PTYEngine runs one terminal or agent worker: it owns the PTY, the
// history buffer, and the activity detector, and it fans output out to
// attached sinks. All mutation is serialized on mu; sinks never block.
type PTYEngine struct {
	opts PTYOptions

	mu      sync.Mutex
	sinks   sinkSet
	hist    *history.Buffer
	det     *activity.Detector
	proc    *ptyproc.Proc
	gen     int // spawn generation; stale PTY callbacks are dropped
	norm    utf8Stream
	spawned  bool
	exited   bool
	closed   bool
	lastExit protocol.Exit

	// resize before spawn is remembered and applied at spawn.
	pendingCols uint16
	pendingRows uint16

	// bounded input queue drained by the write pump.
	inq      [][]byte
	inBytes  int
	inWake   chan struct{}
	inClosed bool
}

// NewPTYEngine builds an engine. The PTY is not started until the
// first Attach (lazy activation) or an explicit EnsureSpawned.
func NewPTYEngine(opts PTYOptions) *PTYEngine {
	e := &PTYEngine{
		opts:   opts,
		sinks:  make(sinkSet),
		hist:   history.New(opts.Limits.HistoryCap(string(opts.WorkerType))),
		inWake: make(chan struct{}, 1),
	}
	e.det = activity.NewDetector(opts.Limits, opts.AskingPatterns, func(s activity.State) {
		e.onActivity(s)
	})
	return e
}

// Attach subscribes s, spawning the PTY on first attach, and sends the
// opening history frame.
func (e *PTYEngine) Attach(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if !e.spawned && !e.exited {
		e.spawnLocked()
	}
	e.sinks.add(s)
	s.Send(e.historyFrameLocked(0))
	if e.exited {
		s.Send(e.lastExit)
	}
}

func (e *PTYEngine) Detach(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks.remove(s)
}

// EnsureSpawned starts the PTY if it is not running yet. Used when a
// session carries an initial prompt that must reach the agent before
// any client attaches.
func (e *PTYEngine) EnsureSpawned() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.spawned && !e.exited && !e.closed {
		e.spawnLocked()
	}
}

// Spawned reports whether the PTY has ever started.
func (e *PTYEngine) Spawned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawned
}

// Exited reports whether the process is gone.
func (e *PTYEngine) Exited() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exited
}

// ActivityState returns the detector's current state.
func (e *PTYEngine) ActivityState() activity.State {
	return e.det.State()
}

// HandleFrame processes one client frame.
func (e *PTYEngine) HandleFrame(s Sink, f protocol.ClientFrame) {
	switch fr := f.(type) {
	case *protocol.Input:
		e.handleInput(s, []byte(fr.Data))
	case *protocol.Resize:
		e.handleResize(uint16(fr.Cols), uint16(fr.Rows))
	case *protocol.Image:
		e.handleImage(s, fr)
	case *protocol.RequestHistory:
		var from int64
		if fr.FromOffset != nil {
			from = *fr.FromOffset
		}
		e.mu.Lock()
		frame := e.historyFrameLocked(from)
		e.mu.Unlock()
		s.Send(frame)
	default:
		s.Send(protocol.Error{
			Message: "frame not supported by this worker",
			Code:    protocol.CodeInvalidMessage,
		})
	}
}

// Restart kills the process and starts a fresh stream: new history
// buffer at offset 0, detector reset, optional new command and asking
// patterns. Worker id and attached sinks are preserved; every sink
// receives a fresh history frame so clients see the reset.
func (e *PTYEngine) Restart(spawn SpawnSpec, patterns []*regexp.Regexp) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.proc != nil {
		e.gen++ // orphan the old proc's callbacks
		e.proc.Kill(syscall.SIGTERM)
		e.proc = nil
		metrics.ActiveWorkers.WithLabelValues(string(e.opts.WorkerType)).Dec()
	}
	e.opts.Spawn = spawn
	e.hist = history.New(e.opts.Limits.HistoryCap(string(e.opts.WorkerType)))
	e.norm = utf8Stream{}
	e.inq = nil
	e.inBytes = 0
	e.inClosed = false
	e.inWake = make(chan struct{}, 1)
	e.spawned = false
	e.exited = false
	e.mu.Unlock()

	// Reset emits its unknown transition through onActivity, which
	// takes the engine lock, so it runs outside it.
	e.det.Reset()
	e.det.SetPatterns(patterns)

	e.mu.Lock()
	if !e.closed {
		e.spawnLocked()
		if !e.exited {
			e.sinks.broadcast(e.historyFrameLocked(0))
		}
	}
	e.mu.Unlock()
}

// Close tears down the engine and its process.
func (e *PTYEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.gen++
	running := e.proc != nil
	if running {
		e.proc.Kill(syscall.SIGKILL)
		e.proc = nil
	}
	e.inClosed = true
	e.sinks = make(sinkSet)
	e.mu.Unlock()

	e.det.Suspend()
	e.wakeWriter()
	if running {
		metrics.ActiveWorkers.WithLabelValues(string(e.opts.WorkerType)).Dec()
	}
}

// HistorySnapshot returns the opening history frame without attaching.
func (e *PTYEngine) HistorySnapshot() protocol.History {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.historyFrameLocked(0)
}

func (e *PTYEngine) historyFrameLocked(from int64) protocol.History {
	snap := e.hist.SnapshotFrom(from)
	return protocol.History{
		Data:      string(snap.Data),
		Offset:    snap.Tail,
		ServerID:  e.opts.ServerID,
		Truncated: snap.Truncated,
	}
}

func (e *PTYEngine) spawnLocked() {
	gen := e.gen
	cols, rows := e.pendingCols, e.pendingRows
	proc, err := ptyproc.Spawn(ptyproc.Options{
		Command:    e.opts.Spawn.Command,
		Args:       e.opts.Spawn.Args,
		Env:        e.opts.Spawn.Env,
		WorkingDir: e.opts.Spawn.WorkingDir,
		Cols:       cols,
		Rows:       rows,
	}, func(data []byte) {
		e.onData(gen, data)
	}, func(code int, signal *string) {
		e.onProcExit(gen, code, signal)
	})
	if err != nil {
		slog.Warn("worker spawn failed",
			"session_id", e.opts.SessionID,
			"worker_id", e.opts.WorkerID,
			"command", e.opts.Spawn.Command,
			"error", err,
		)
		e.exited = true
		e.lastExit = protocol.Exit{ExitCode: -1}
		e.sinks.broadcast(protocol.Error{
			Message: fmt.Sprintf("spawn %s: %v", e.opts.Spawn.Command, err),
			Code:    protocol.CodeSpawnFailed,
		})
		e.sinks.broadcast(e.lastExit)
		e.notifyExit(-1)
		return
	}

	e.proc = proc
	e.spawned = true
	metrics.ActiveWorkers.WithLabelValues(string(e.opts.WorkerType)).Inc()
	go e.writePump(gen, proc, e.inWake)

	slog.Info("worker started",
		"session_id", e.opts.SessionID,
		"worker_id", e.opts.WorkerID,
		"type", e.opts.WorkerType,
		"pid", proc.PID(),
	)
	if e.opts.OnSpawn != nil {
		go e.opts.OnSpawn()
	}
}

// onData runs on the PTY read goroutine. The append and the fan-out
// happen under mu so an attach never sees bytes both in its history
// frame and in a later output frame.
func (e *PTYEngine) onData(gen int, data []byte) {
	e.mu.Lock()
	if gen != e.gen || e.closed {
		e.mu.Unlock()
		return
	}
	valid := e.norm.normalize(data)
	if len(valid) == 0 {
		e.mu.Unlock()
		return
	}
	tail := e.hist.Append(valid)
	e.sinks.broadcast(protocol.Output{Data: string(valid), Offset: tail})
	e.mu.Unlock()

	metrics.PTYBytesTotal.WithLabelValues("out").Add(float64(len(valid)))
	e.det.Feed(valid)
}

func (e *PTYEngine) onProcExit(gen int, code int, signal *string) {
	e.mu.Lock()
	if gen != e.gen || e.closed {
		e.mu.Unlock()
		return
	}
	if tailData := e.norm.flush(); len(tailData) > 0 {
		tail := e.hist.Append(tailData)
		e.sinks.broadcast(protocol.Output{Data: string(tailData), Offset: tail})
	}
	e.exited = true
	e.proc = nil
	e.inClosed = true
	e.lastExit = protocol.Exit{ExitCode: code, Signal: signal}
	e.sinks.broadcast(e.lastExit)
	e.mu.Unlock()

	e.det.Suspend()
	e.wakeWriter()
	metrics.ActiveWorkers.WithLabelValues(string(e.opts.WorkerType)).Dec()

	slog.Info("worker exited",
		"session_id", e.opts.SessionID,
		"worker_id", e.opts.WorkerID,
		"exit_code", code,
	)
	e.notifyExit(code)
}

func (e *PTYEngine) notifyExit(code int) {
	if e.opts.OnExit != nil {
		go e.opts.OnExit(code)
	}
}

func (e *PTYEngine) onActivity(s activity.State) {
	e.mu.Lock()
	e.sinks.broadcast(protocol.Activity{State: string(s)})
	e.mu.Unlock()
	if e.opts.OnActivity != nil {
		e.opts.OnActivity(s)
	}
}

// --- client frames ---

func (e *PTYEngine) handleInput(s Sink, data []byte) {
	e.mu.Lock()
	if e.exited || e.closed {
		e.mu.Unlock()
		s.Send(protocol.Error{
			Message: "worker has exited",
			Code:    protocol.CodeWorkerExited,
		})
		return
	}
	if !e.spawned {
		e.spawnLocked()
	}
	if e.inBytes+len(data) > e.opts.Limits.PtyWriteBuffer() {
		// Input overflow kills the worker, not just the connection:
		// the process is no longer draining its terminal.
		e.sinks.broadcast(protocol.Error{
			Message: "input buffer overflow",
			Code:    protocol.CodePTYBackpressure,
		})
		proc := e.proc
		e.mu.Unlock()
		if proc != nil {
			proc.Kill(syscall.SIGKILL)
		}
		return
	}
	e.inq = append(e.inq, data)
	e.inBytes += len(data)
	e.mu.Unlock()

	metrics.PTYBytesTotal.WithLabelValues("in").Add(float64(len(data)))
	e.wakeWriter()
}

func (e *PTYEngine) handleResize(cols, rows uint16) {
	if cols == 0 || rows == 0 {
		return
	}
	e.mu.Lock()
	e.pendingCols, e.pendingRows = cols, rows
	proc := e.proc
	e.mu.Unlock()
	if proc != nil {
		if err := proc.Resize(cols, rows); err != nil {
			slog.Debug("resize failed",
				"worker_id", e.opts.WorkerID,
				"error", err,
			)
		}
	}
}

func (e *PTYEngine) handleImage(s Sink, fr *protocol.Image) {
	if e.opts.SpoolDir == "" {
		s.Send(protocol.Error{
			Message: "image paste not available",
			Code:    protocol.CodeInvalidMessage,
		})
		return
	}
	raw, err := base64.StdEncoding.DecodeString(fr.Data)
	if err != nil {
		s.Send(protocol.Error{
			Message: "image data is not valid base64",
			Code:    protocol.CodeInvalidMessage,
		})
		return
	}
	if err := os.MkdirAll(e.opts.SpoolDir, 0o700); err != nil {
		s.Send(protocol.Error{Message: fmt.Sprintf("spool image: %v", err)})
		return
	}
	name := "img-" + id.Generate()[:12] + extForMime(fr.MimeType)
	path := filepath.Join(e.opts.SpoolDir, name)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		s.Send(protocol.Error{Message: fmt.Sprintf("spool image: %v", err)})
		return
	}
	// The spooled path is typed into the PTY like a paste.
	e.handleInput(s, []byte(path+" "))
}

func extForMime(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		if rest, ok := strings.CutPrefix(mime, "image/"); ok && rest != "" {
			return "." + rest
		}
		return ".img"
	}
}

// --- input write pump ---

func (e *PTYEngine) wakeWriter() {
	e.mu.Lock()
	ch := e.inWake
	e.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// writePump drains the input queue into the PTY. Writes to a full
// kernel pipe block here, never on the hub's read loop; the queue cap
// enforced in handleInput bounds how much can pile up behind a stall.
func (e *PTYEngine) writePump(gen int, proc *ptyproc.Proc, wake <-chan struct{}) {
	for {
		e.mu.Lock()
		if gen != e.gen || (e.inClosed && len(e.inq) == 0) {
			e.mu.Unlock()
			return
		}
		if len(e.inq) == 0 {
			e.mu.Unlock()
			<-wake
			continue
		}
		data := e.inq[0]
		e.inq = e.inq[1:]
		e.inBytes -= len(data)
		e.mu.Unlock()

		if err := proc.Write(data); err != nil {
			slog.Debug("pty write failed",
				"worker_id", e.opts.WorkerID,
				"error", err,
			)
			return
		}
	}
}
