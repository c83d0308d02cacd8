package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/termdeck/termdeck/internal/activity"
	"github.com/termdeck/termdeck/internal/agentdef"
	"github.com/termdeck/termdeck/internal/gitdiff"
	"github.com/termdeck/termdeck/internal/id"
	"github.com/termdeck/termdeck/internal/metrics"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/ptyproc"
	"github.com/termdeck/termdeck/internal/store"
	"github.com/termdeck/termdeck/internal/util/sanitize"
	"github.com/termdeck/termdeck/internal/validate"
	"github.com/termdeck/termdeck/internal/worker"
)

// nullSink discards engine replies for server-initiated frames.
type nullSink struct{}

func (nullSink) Send(protocol.ServerFrame) {}

// CreateSpec describes a session to create.
type CreateSpec struct {
	Type protocol.SessionType

	// LocationPath is the working directory of a quick session.
	LocationPath string

	// RepositoryPath, Branch and BaseRef drive worktree sessions: a new
	// worktree on Branch is added under the data directory, starting at
	// BaseRef (default HEAD).
	RepositoryPath string
	Branch         string
	BaseRef        string

	Title         string
	InitialPrompt string

	// AgentID selects the agent definition. Empty skips the agent
	// worker (plain terminal session).
	AgentID string
	UseSDK  bool

	// WithTerminal adds a plain shell worker next to the agent.
	WithTerminal bool
}

// UpdatePatch carries the mutable session fields; nil leaves a field
// untouched.
type UpdatePatch struct {
	Title         *string
	InitialPrompt *string
}

// RestartSpec drives an agent worker restart.
type RestartSpec struct {
	// AgentID swaps the worker to a different agent definition.
	AgentID string

	// Branch renames the worktree branch (worktree sessions only).
	Branch string

	// ContinueConversation resumes the previous conversation instead of
	// starting fresh, for agents that support it.
	ContinueConversation bool
}

// Create validates the spec, constructs the session's workers and
// engines, persists everything, and publishes session-created. Agent
// and terminal workers spawn lazily on first attach unless the spec
// carries an initial prompt, which starts the agent immediately.
func (r *Registry) Create(ctx context.Context, spec CreateSpec) (protocol.Session, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	meta := protocol.Session{
		ID:            id.Generate(),
		Type:          spec.Type,
		Status:        protocol.SessionActive,
		CreatedAt:     time.Now().UnixMilli(),
		Title:         sanitize.Title(spec.Title, 120),
		InitialPrompt: spec.InitialPrompt,
	}
	if meta.Title == "" && spec.InitialPrompt != "" {
		meta.Title = sanitize.Title(spec.InitialPrompt, 80)
	}

	var worktreeCreated bool
	switch spec.Type {
	case protocol.SessionQuick:
		loc, err := validate.LocationPath(spec.LocationPath, r.opts.HomeDir)
		if err != nil {
			return protocol.Session{}, err
		}
		meta.LocationPath = loc
	case protocol.SessionWorktree:
		repo, err := validate.LocationPath(spec.RepositoryPath, r.opts.HomeDir)
		if err != nil {
			return protocol.Session{}, err
		}
		if spec.Branch == "" {
			return protocol.Session{}, fmt.Errorf("worktree session requires a branch")
		}
		baseRef := spec.BaseRef
		if baseRef == "" {
			baseRef = protocol.TargetHead
		}
		if _, err := gitdiff.ResolveCommit(repo, baseRef); err != nil {
			return protocol.Session{}, fmt.Errorf("base ref %q: %w", baseRef, err)
		}
		wt := r.worktreePath(spec.Branch)
		if err := gitdiff.CreateWorktree(repo, wt, spec.Branch, baseRef); err != nil {
			return protocol.Session{}, err
		}
		worktreeCreated = true
		meta.LocationPath = wt
		meta.RepositoryID = repo
		meta.WorktreeID = spec.Branch
	default:
		return protocol.Session{}, fmt.Errorf("unknown session type %q", spec.Type)
	}

	fail := func(err error) (protocol.Session, error) {
		if worktreeCreated {
			if rmErr := gitdiff.RemoveWorktree(meta.RepositoryID, meta.LocationPath); rmErr != nil {
				slog.Warn("worktree cleanup failed", "path", meta.LocationPath, "error", rmErr)
			}
		}
		return protocol.Session{}, err
	}

	if spec.AgentID != "" {
		if _, ok := r.opts.Catalog.Get(spec.AgentID); !ok {
			return fail(fmt.Errorf("unknown agent %q", spec.AgentID))
		}
		meta.Workers = append(meta.Workers, protocol.Worker{
			ID:        id.Generate(),
			Type:      protocol.WorkerAgent,
			Name:      agentWorkerName(r.opts.Catalog, spec.AgentID),
			CreatedAt: meta.CreatedAt,
			AgentID:   spec.AgentID,
			UseSDK:    spec.UseSDK,
		})
	}
	if spec.WithTerminal || spec.AgentID == "" {
		meta.Workers = append(meta.Workers, protocol.Worker{
			ID:        id.Generate(),
			Type:      protocol.WorkerTerminal,
			Name:      "Terminal",
			CreatedAt: meta.CreatedAt,
		})
	}
	if base, err := gitdiff.ResolveCommit(meta.LocationPath, protocol.TargetHead); err == nil {
		meta.Workers = append(meta.Workers, protocol.Worker{
			ID:         id.Generate(),
			Type:       protocol.WorkerGitDiff,
			Name:       "Changes",
			CreatedAt:  meta.CreatedAt,
			BaseCommit: base,
			TargetRef:  protocol.TargetWorkingDir,
			Activated:  true, // diff engines run eagerly
		})
	}

	s := &session{
		meta:     meta,
		engines:  make(map[string]worker.Engine),
		activity: make(map[string]activity.State),
	}
	for _, w := range meta.Workers {
		eng, err := r.buildEngine(meta, w, spec.InitialPrompt)
		if err != nil {
			for _, built := range s.engines {
				built.Close()
			}
			return fail(fmt.Errorf("worker %s: %w", w.ID, err))
		}
		s.engines[w.ID] = eng
		s.activity[w.ID] = activity.Unknown
	}

	if err := r.opts.Store.CreateSession(ctx, meta); err != nil {
		for _, built := range s.engines {
			built.Close()
		}
		return fail(err)
	}

	r.mu.Lock()
	r.sessions[meta.ID] = s
	metrics.ActiveSessions.Inc()
	r.publishLocked(protocol.SessionCreated{Session: copySession(meta)})
	r.mu.Unlock()

	slog.Info("session created",
		"session_id", meta.ID,
		"type", meta.Type,
		"location", meta.LocationPath,
		"workers", len(meta.Workers),
	)

	// An initial prompt goes onto the agent's command line, so the
	// agent has to start now rather than on first attach.
	if spec.InitialPrompt != "" {
		for _, w := range meta.Workers {
			if w.Type != protocol.WorkerAgent {
				continue
			}
			switch eng := s.engines[w.ID].(type) {
			case *worker.PTYEngine:
				// The prompt is baked into the command line.
				eng.EnsureSpawned()
			case *worker.SDKEngine:
				eng.EnsureStarted()
				eng.HandleFrame(nullSink{}, &protocol.UserMessage{Content: spec.InitialPrompt})
			}
		}
	}
	return copySession(meta), nil
}

// Update patches a session's title and initial prompt and publishes
// session-updated.
func (r *Registry) Update(ctx context.Context, sessionID string, patch UpdatePatch) (protocol.Session, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return protocol.Session{}, store.ErrNotFound
	}
	if patch.Title != nil {
		s.meta.Title = sanitize.Title(*patch.Title, 120)
	}
	if patch.InitialPrompt != nil {
		s.meta.InitialPrompt = *patch.InitialPrompt
	}
	meta := copySession(s.meta)
	r.mu.Unlock()

	if err := r.opts.Store.UpdateSession(ctx, meta); err != nil {
		return protocol.Session{}, err
	}

	r.mu.Lock()
	r.publishLocked(protocol.SessionUpdated{Session: meta})
	r.mu.Unlock()
	return meta, nil
}

// RestartAgent restarts an agent worker in place: same worker id, a
// fresh stream starting at offset 0, optionally a renamed branch or a
// different agent. Attached clients stay attached and receive the new
// opening frames from the engine.
func (r *Registry) RestartAgent(ctx context.Context, sessionID, workerID string, spec RestartSpec) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return store.ErrNotFound
	}
	var w *protocol.Worker
	for i := range s.meta.Workers {
		if s.meta.Workers[i].ID == workerID {
			w = &s.meta.Workers[i]
			break
		}
	}
	if w == nil {
		r.mu.Unlock()
		return store.ErrNotFound
	}
	if w.Type != protocol.WorkerAgent {
		r.mu.Unlock()
		return fmt.Errorf("worker %s is not an agent", workerID)
	}
	eng := s.engines[workerID]
	meta := copySession(s.meta)
	r.mu.Unlock()

	if spec.Branch != "" {
		if meta.Type != protocol.SessionWorktree {
			return fmt.Errorf("branch rename requires a worktree session")
		}
		if err := gitdiff.RenameBranch(meta.LocationPath, spec.Branch); err != nil {
			return err
		}
	}

	agentID := w.AgentID
	if spec.AgentID != "" {
		agentID = spec.AgentID
	}
	def, ok := r.opts.Catalog.Get(agentID)
	if !ok {
		return fmt.Errorf("unknown agent %q", agentID)
	}
	resume := spec.ContinueConversation && def.Capabilities.SupportsContinue

	// The engine keeps its attached sinks; the restart broadcasts a new
	// history frame so clients reset to offset 0.
	switch e := eng.(type) {
	case *worker.SDKEngine:
		e.Restart(def, resume)
	case *worker.PTYEngine:
		tpl := def.CommandTemplate
		if resume && def.ContinueTemplate != "" {
			tpl = def.ContinueTemplate
		}
		command, args := agentdef.BuildCommand(tpl, "")
		e.Restart(worker.SpawnSpec{
			Command:    command,
			Args:       args,
			WorkingDir: meta.LocationPath,
		}, agentdef.CompileAskingPatterns(def))
	default:
		return fmt.Errorf("worker %s has no restartable engine", workerID)
	}

	r.mu.Lock()
	s, ok = r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return store.ErrNotFound
	}
	for i := range s.meta.Workers {
		if s.meta.Workers[i].ID == workerID {
			s.meta.Workers[i].AgentID = agentID
			s.meta.Workers[i].Name = agentWorkerName(r.opts.Catalog, agentID)
			s.meta.Workers[i].Activated = true
		}
	}
	if spec.Branch != "" {
		s.meta.WorktreeID = spec.Branch
	}
	s.meta.Status = protocol.SessionActive
	s.activity[workerID] = activity.Unknown
	meta = copySession(s.meta)
	r.publishLocked(protocol.SessionUpdated{Session: meta})
	r.mu.Unlock()

	if err := r.opts.Store.UpdateSession(ctx, meta); err != nil {
		return err
	}

	slog.Info("agent worker restarted",
		"session_id", sessionID,
		"worker_id", workerID,
		"agent", agentID,
		"resume", resume,
	)
	return nil
}

// Delete destroys a session: engines are closed, the worktree and the
// image spool are removed, the store row is dropped, and
// session-deleted is published.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return store.ErrNotFound
	}
	delete(r.sessions, sessionID)
	metrics.ActiveSessions.Dec()
	meta := copySession(s.meta)
	r.publishLocked(protocol.SessionDeleted{SessionID: sessionID})
	r.mu.Unlock()

	for _, eng := range s.engines {
		eng.Close()
	}
	if meta.Type == protocol.SessionWorktree && meta.RepositoryID != "" {
		if err := gitdiff.RemoveWorktree(meta.RepositoryID, meta.LocationPath); err != nil {
			slog.Warn("worktree removal failed", "path", meta.LocationPath, "error", err)
		}
	}
	if spool := r.spoolDir(sessionID); spool != "" {
		_ = os.RemoveAll(spool)
	}

	if err := r.opts.Store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	slog.Info("session deleted", "session_id", sessionID)
	return nil
}

// --- engine construction ---

func (r *Registry) buildEngine(meta protocol.Session, w protocol.Worker, initialPrompt string) (worker.Engine, error) {
	switch w.Type {
	case protocol.WorkerTerminal:
		shell := ptyproc.DefaultShell(r.opts.DefaultShell)
		return worker.NewPTYEngine(worker.PTYOptions{
			SessionID:  meta.ID,
			WorkerID:   w.ID,
			WorkerType: w.Type,
			ServerID:   r.opts.ServerID,
			Limits:     r.opts.Limits,
			Spawn: worker.SpawnSpec{
				Command:    shell,
				WorkingDir: meta.LocationPath,
			},
			SpoolDir:   r.spoolDir(meta.ID),
			OnSpawn:    func() { r.workerActivated(meta.ID, w.ID) },
			OnActivity: func(st activity.State) { r.workerActivity(meta.ID, w.ID, st) },
			OnExit:     func(code int) { r.workerExited(meta.ID, w.ID, code) },
		}), nil

	case protocol.WorkerAgent:
		def, ok := r.opts.Catalog.Get(w.AgentID)
		if !ok {
			// The agents file may have changed while the session was
			// persisted; the built-in keeps the worker usable.
			slog.Warn("agent definition missing, using builtin",
				"session_id", meta.ID, "agent_id", w.AgentID)
			def = agentdef.Builtin()
		}
		if w.UseSDK && def.Capabilities.SupportsHeadlessMode {
			return worker.NewSDKEngine(worker.SDKOptions{
				SessionID:  meta.ID,
				WorkerID:   w.ID,
				Definition: def,
				WorkingDir: meta.LocationPath,
				Store:      r.opts.Store,
				OnStart:    func() { r.workerActivated(meta.ID, w.ID) },
				OnActivity: func(st activity.State) { r.workerActivity(meta.ID, w.ID, st) },
				OnExit:     func(code int) { r.workerExited(meta.ID, w.ID, code) },
			}), nil
		}
		command, args := agentdef.BuildCommand(def.CommandTemplate, initialPrompt)
		return worker.NewPTYEngine(worker.PTYOptions{
			SessionID:  meta.ID,
			WorkerID:   w.ID,
			WorkerType: w.Type,
			ServerID:   r.opts.ServerID,
			Limits:     r.opts.Limits,
			Spawn: worker.SpawnSpec{
				Command:    command,
				Args:       args,
				WorkingDir: meta.LocationPath,
			},
			AskingPatterns: agentdef.CompileAskingPatterns(def),
			SpoolDir:       r.spoolDir(meta.ID),
			OnSpawn:        func() { r.workerActivated(meta.ID, w.ID) },
			OnActivity:     func(st activity.State) { r.workerActivity(meta.ID, w.ID, st) },
			OnExit:         func(code int) { r.workerExited(meta.ID, w.ID, code) },
		}), nil

	case protocol.WorkerGitDiff:
		target := w.TargetRef
		if target == "" {
			target = protocol.TargetWorkingDir
		}
		return worker.NewDiffEngine(meta.LocationPath, w.BaseCommit, target, r.opts.Limits)

	default:
		return nil, fmt.Errorf("unknown worker type %q", w.Type)
	}
}

func agentWorkerName(catalog *agentdef.Catalog, agentID string) string {
	if def, ok := catalog.Get(agentID); ok && def.Name != "" {
		return def.Name
	}
	return agentID
}

func (r *Registry) spoolDir(sessionID string) string {
	if r.opts.DataDir == "" {
		return ""
	}
	return filepath.Join(r.opts.DataDir, "spool", sessionID)
}

func (r *Registry) worktreePath(branch string) string {
	flat := strings.ReplaceAll(branch, "/", "-")
	wt := filepath.Join(r.opts.DataDir, "worktrees", flat)
	if _, err := os.Stat(wt); err == nil {
		wt = wt + "-" + id.Generate()[:6]
	}
	return wt
}

// --- engine callbacks (run off engine goroutines, never under opMu) ---

func (r *Registry) workerActivated(sessionID, workerID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	changed := false
	for i := range s.meta.Workers {
		if s.meta.Workers[i].ID == workerID && !s.meta.Workers[i].Activated {
			s.meta.Workers[i].Activated = true
			changed = true
		}
	}
	if changed && s.meta.Status != protocol.SessionActive {
		s.meta.Status = protocol.SessionActive
	}
	meta := copySession(s.meta)
	if changed {
		r.publishLocked(protocol.SessionUpdated{Session: meta})
	}
	r.mu.Unlock()

	if changed {
		r.persist(meta)
	}
}

func (r *Registry) workerActivity(sessionID, workerID string, st activity.State) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.activity[workerID] = st
	r.publishLocked(protocol.WorkerActivity{
		SessionID:     sessionID,
		WorkerID:      workerID,
		ActivityState: string(st),
	})
	r.mu.Unlock()
}

// workerExited flips the session to exited once every activated
// terminal and agent worker is gone; diff workers do not count.
func (r *Registry) workerExited(sessionID, workerID string, exitCode int) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}

	anyActivated := false
	anyRunning := false
	for _, w := range s.meta.Workers {
		if w.Type == protocol.WorkerGitDiff || !w.Activated {
			continue
		}
		anyActivated = true
		eng, ok := s.engines[w.ID]
		if !ok {
			continue
		}
		if ex, ok := eng.(interface{ Exited() bool }); ok && !ex.Exited() {
			anyRunning = true
		}
	}

	changed := false
	if anyActivated && !anyRunning && s.meta.Status != protocol.SessionExited {
		s.meta.Status = protocol.SessionExited
		changed = true
	}
	meta := copySession(s.meta)
	if changed {
		r.publishLocked(protocol.SessionUpdated{Session: meta})
	}
	r.mu.Unlock()

	if changed {
		slog.Info("session exited",
			"session_id", sessionID,
			"last_worker", workerID,
			"exit_code", exitCode,
		)
		r.persist(meta)
	}
}
