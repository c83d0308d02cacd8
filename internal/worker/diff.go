package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/gitdiff"
	"github.com/termdeck/termdeck/internal/metrics"
	"github.com/termdeck/termdeck/internal/protocol"
)

// DiffEngine adapts the git-diff machinery to the worker channel: it
// starts the watch loop eagerly and turns engine callbacks into
// diff-data / diff-error frames for attached sinks.
type DiffEngine struct {
	eng    *gitdiff.Engine
	cancel context.CancelFunc

	mu     sync.Mutex
	sinks  sinkSet
	closed bool
}

// NewDiffEngine resolves the base ref and starts watching the
// worktree. Unlike PTY workers, git-diff workers run eagerly.
func NewDiffEngine(dir, baseRef, targetRef string, limits *config.Limits) (*DiffEngine, error) {
	d := &DiffEngine{sinks: make(sinkSet)}
	eng, err := gitdiff.NewEngine(dir, baseRef, targetRef, limits,
		d.publishData, d.publishError)
	if err != nil {
		return nil, err
	}
	d.eng = eng

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go eng.Run(ctx)
	metrics.ActiveWorkers.WithLabelValues(string(protocol.WorkerGitDiff)).Inc()
	return d, nil
}

// BaseCommit returns the resolved base commit hash.
func (d *DiffEngine) BaseCommit() string { return d.eng.BaseCommit() }

// TargetRef returns the current target ref.
func (d *DiffEngine) TargetRef() string { return d.eng.TargetRef() }

// Attach subscribes s and sends the cached summary, or kicks a
// refresh when none has been computed yet.
func (d *DiffEngine) Attach(s Sink) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.sinks.add(s)
	last := d.eng.Last()
	d.mu.Unlock()

	if last != nil {
		s.Send(protocol.DiffData{Data: *last})
	} else {
		d.eng.Refresh()
	}
}

func (d *DiffEngine) Detach(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks.remove(s)
}

// HandleFrame processes one client frame.
func (d *DiffEngine) HandleFrame(s Sink, f protocol.ClientFrame) {
	switch fr := f.(type) {
	case *protocol.Refresh:
		d.eng.Refresh()
	case *protocol.SetBaseCommit:
		if err := d.eng.SetBaseCommit(fr.Ref); err != nil {
			s.Send(badRefError(fr.Ref, err))
		}
	case *protocol.SetTargetCommit:
		if err := d.eng.SetTargetRef(fr.Ref); err != nil {
			s.Send(badRefError(fr.Ref, err))
		}
	case *protocol.RequestExpand:
		lines, err := d.eng.Expand(fr.Path, fr.StartLine, fr.EndLine)
		if err != nil {
			s.Send(protocol.Error{Message: fmt.Sprintf("expand %s: %v", fr.Path, err)})
			return
		}
		s.Send(protocol.DiffExpand{
			Path:      fr.Path,
			StartLine: fr.StartLine,
			EndLine:   fr.EndLine,
			Lines:     lines,
		})
	default:
		s.Send(protocol.Error{
			Message: "frame not supported by this worker",
			Code:    protocol.CodeInvalidMessage,
		})
	}
}

// Close stops the watch loop and drops all sinks.
func (d *DiffEngine) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.sinks = make(sinkSet)
	d.mu.Unlock()

	d.cancel()
	metrics.ActiveWorkers.WithLabelValues(string(protocol.WorkerGitDiff)).Dec()
}

func (d *DiffEngine) publishData(p protocol.DiffPayload) {
	d.mu.Lock()
	d.sinks.broadcast(protocol.DiffData{Data: p})
	d.mu.Unlock()
}

func (d *DiffEngine) publishError(msg string) {
	d.mu.Lock()
	d.sinks.broadcast(protocol.DiffError{Error: msg})
	d.mu.Unlock()
}

func badRefError(ref string, err error) protocol.Error {
	return protocol.Error{
		Message: fmt.Sprintf("ref %q: %v", ref, err),
		Code:    protocol.CodeDiffBadRef,
	}
}
