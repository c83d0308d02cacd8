package activity

import (
	"regexp"
	"sync"
	"time"

	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/metrics"
)

// tailWindow is the visible-text window the detector evaluates asking
// patterns against. Asking prompts sit in the last screenful of
// output; 8 KiB comfortably covers it.
const tailWindow = 8 * 1024

// Detector infers a worker's activity state from its terminal output.
// Feed is called with raw PTY chunks; state changes are delivered
// edge-triggered through the onChange callback. Evaluation is debounced
// so a burst of output costs one evaluation, not one per chunk.
type Detector struct {
	limits   *config.Limits
	onChange func(State)

	mu         sync.Mutex
	patterns   []*regexp.Regexp
	strip      stripper
	tail       []byte
	lastOutput time.Time
	state      State
	everActive bool
	suspended  bool
	evalTimer  *time.Timer
	idleTimer  *time.Timer
}

// NewDetector creates a detector in the unknown state. askingPatterns
// are compiled regexes from the worker's agent definition; a plain
// terminal worker passes none and can never reach asking.
func NewDetector(limits *config.Limits, askingPatterns []*regexp.Regexp, onChange func(State)) *Detector {
	return &Detector{
		limits:   limits,
		onChange: onChange,
		patterns: askingPatterns,
		state:    Unknown,
	}
}

// Feed consumes a chunk of raw terminal output and schedules a
// debounced evaluation.
func (d *Detector) Feed(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.suspended {
		return
	}

	visible := d.strip.strip(p)
	if len(visible) > 0 {
		d.tail = append(d.tail, visible...)
		if len(d.tail) > tailWindow {
			d.tail = d.tail[len(d.tail)-tailWindow:]
		}
	}
	// Any byte of output counts as activity, visible or not: a spinner
	// redrawn in place is still a working agent.
	d.lastOutput = time.Now()

	if d.evalTimer == nil {
		d.evalTimer = time.AfterFunc(d.limits.ActivityDebounce(), d.evaluate)
	}
}

// SetPatterns replaces the asking patterns (agent swap on restart).
func (d *Detector) SetPatterns(askingPatterns []*regexp.Regexp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patterns = askingPatterns
}

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Suspend stops evaluation permanently. Called when the worker exits;
// the last emitted state stays in effect.
func (d *Detector) Suspend() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suspended = true
	d.stopTimersLocked()
}

// Reset returns the detector to unknown with an empty window (worker
// restart). The transition to unknown is emitted like any other.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.suspended = false
	d.tail = nil
	d.strip = stripper{}
	d.everActive = false
	d.lastOutput = time.Time{}
	d.stopTimersLocked()
	changed := d.state != Unknown
	d.state = Unknown
	onChange := d.onChange
	d.mu.Unlock()

	if changed && onChange != nil {
		onChange(Unknown)
	}
}

func (d *Detector) stopTimersLocked() {
	if d.evalTimer != nil {
		d.evalTimer.Stop()
		d.evalTimer = nil
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
}

func (d *Detector) evaluate() {
	d.mu.Lock()
	if d.suspended {
		d.mu.Unlock()
		return
	}
	d.evalTimer = nil

	next := d.decideLocked()
	if next == Active || next == Asking {
		d.everActive = true
	}

	// While output is recent the state must decay to idle on its own
	// once the window passes, so re-arm an evaluation for that moment.
	if next == Active {
		remaining := d.limits.ActiveWindow() - time.Since(d.lastOutput)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		if d.idleTimer != nil {
			d.idleTimer.Stop()
		}
		d.idleTimer = time.AfterFunc(remaining, d.evaluate)
	}

	changed := next != d.state
	d.state = next
	onChange := d.onChange
	d.mu.Unlock()

	if changed {
		metrics.ActivityTransitions.WithLabelValues(string(next)).Inc()
		if onChange != nil {
			onChange(next)
		}
	}
}

func (d *Detector) decideLocked() State {
	for _, re := range d.patterns {
		if re.Match(d.tail) {
			return Asking
		}
	}
	if !d.lastOutput.IsZero() && time.Since(d.lastOutput) < d.limits.ActiveWindow() {
		return Active
	}
	if d.everActive {
		return Idle
	}
	return Unknown
}
