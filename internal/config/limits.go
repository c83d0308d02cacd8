package config

import (
	"sync/atomic"
	"time"
)

// Default values for the recognized runtime options.
const (
	DefaultHistoryCapBytes     = 2 * 1024 * 1024
	DefaultSendQueueFrames     = 256
	DefaultSendQueueBytes      = 4 * 1024 * 1024
	DefaultIdleTimeoutSeconds  = 600
	DefaultActivityDebounceMs  = 100
	DefaultActiveWindowMs      = 750
	DefaultPtyWriteBufferBytes = 64 * 1024
	DefaultSyncDebounceMs      = 50
	DefaultDiffDebounceMs      = 500
)

// Limits holds the runtime-read option values. All methods are safe for
// concurrent use; setters clamp out-of-range values instead of failing.
type Limits struct {
	historyCap         atomic.Int64
	terminalHistoryCap atomic.Int64
	agentHistoryCap    atomic.Int64
	sendQueueFrames    atomic.Int64
	sendQueueBytes     atomic.Int64
	idleTimeout        atomic.Int64 // nanoseconds
	activityDebounce   atomic.Int64
	activeWindow       atomic.Int64
	ptyWriteBuffer     atomic.Int64
	syncDebounce       atomic.Int64
	diffDebounce       atomic.Int64
}

// NewLimits builds Limits from a loaded Config, clamping each value.
func NewLimits(c *Config) *Limits {
	l := &Limits{}
	l.SetHistoryCap(int64(c.HistoryCapBytes))
	l.SetTerminalHistoryCap(int64(c.TerminalHistoryCapBytes))
	l.SetAgentHistoryCap(int64(c.AgentHistoryCapBytes))
	l.SetSendQueueFrames(int64(c.SendQueueFrames))
	l.SetSendQueueBytes(c.SendQueueBytes)
	l.SetIdleTimeout(time.Duration(c.IdleTimeoutSeconds) * time.Second)
	l.SetActivityDebounce(time.Duration(c.ActivityDebounceMs) * time.Millisecond)
	l.SetActiveWindow(time.Duration(c.ActiveWindowMs) * time.Millisecond)
	l.SetPtyWriteBuffer(int64(c.PtyWriteBufferBytes))
	l.SetSyncDebounce(time.Duration(c.SyncDebounceMs) * time.Millisecond)
	l.SetDiffDebounce(time.Duration(c.DiffDebounceMs) * time.Millisecond)
	return l
}

// DefaultLimits returns Limits with every option at its default.
func DefaultLimits() *Limits {
	cfg := &Config{
		HistoryCapBytes:     DefaultHistoryCapBytes,
		SendQueueFrames:     DefaultSendQueueFrames,
		SendQueueBytes:      DefaultSendQueueBytes,
		IdleTimeoutSeconds:  DefaultIdleTimeoutSeconds,
		ActivityDebounceMs:  DefaultActivityDebounceMs,
		ActiveWindowMs:      DefaultActiveWindowMs,
		PtyWriteBufferBytes: DefaultPtyWriteBufferBytes,
		SyncDebounceMs:      DefaultSyncDebounceMs,
		DiffDebounceMs:      DefaultDiffDebounceMs,
	}
	return NewLimits(cfg)
}

// HistoryCap returns the history buffer capacity for a worker type
// ("terminal" or "agent"); per-type overrides of 0 fall back to the
// shared cap.
func (l *Limits) HistoryCap(workerType string) int {
	switch workerType {
	case "terminal":
		if v := l.terminalHistoryCap.Load(); v > 0 {
			return int(v)
		}
	case "agent":
		if v := l.agentHistoryCap.Load(); v > 0 {
			return int(v)
		}
	}
	return int(l.historyCap.Load())
}

func (l *Limits) SetHistoryCap(v int64) {
	l.historyCap.Store(clamp(v, 64*1024, 64*1024*1024))
}

func (l *Limits) SetTerminalHistoryCap(v int64) {
	if v <= 0 {
		l.terminalHistoryCap.Store(0)
		return
	}
	l.terminalHistoryCap.Store(clamp(v, 64*1024, 64*1024*1024))
}

func (l *Limits) SetAgentHistoryCap(v int64) {
	if v <= 0 {
		l.agentHistoryCap.Store(0)
		return
	}
	l.agentHistoryCap.Store(clamp(v, 64*1024, 64*1024*1024))
}

// SendQueueFrames returns the per-connection send queue frame cap.
func (l *Limits) SendQueueFrames() int {
	return int(l.sendQueueFrames.Load())
}

func (l *Limits) SetSendQueueFrames(v int64) {
	l.sendQueueFrames.Store(clamp(v, 16, 65536))
}

// SendQueueBytes returns the per-connection send queue byte cap.
func (l *Limits) SendQueueBytes() int64 {
	return l.sendQueueBytes.Load()
}

func (l *Limits) SetSendQueueBytes(v int64) {
	l.sendQueueBytes.Store(clamp(v, 64*1024, 256*1024*1024))
}

// IdleTimeout returns how long a worker channel may stay silent in both
// directions before the server closes it.
func (l *Limits) IdleTimeout() time.Duration {
	return time.Duration(l.idleTimeout.Load())
}

func (l *Limits) SetIdleTimeout(d time.Duration) {
	l.idleTimeout.Store(clamp(int64(d), int64(30*time.Second), int64(24*time.Hour)))
}

// ActivityDebounce returns the activity detector evaluation window.
func (l *Limits) ActivityDebounce() time.Duration {
	return time.Duration(l.activityDebounce.Load())
}

func (l *Limits) SetActivityDebounce(d time.Duration) {
	l.activityDebounce.Store(clamp(int64(d), int64(time.Millisecond), int64(5*time.Second)))
}

// ActiveWindow returns how recently output must have arrived for a
// worker to count as active.
func (l *Limits) ActiveWindow() time.Duration {
	return time.Duration(l.activeWindow.Load())
}

func (l *Limits) SetActiveWindow(d time.Duration) {
	l.activeWindow.Store(clamp(int64(d), int64(10*time.Millisecond), int64(30*time.Second)))
}

// PtyWriteBuffer returns the per-worker input buffer cap.
func (l *Limits) PtyWriteBuffer() int {
	return int(l.ptyWriteBuffer.Load())
}

func (l *Limits) SetPtyWriteBuffer(v int64) {
	l.ptyWriteBuffer.Store(clamp(v, 4*1024, 8*1024*1024))
}

// SyncDebounce returns the app-channel sessions-sync debounce window.
func (l *Limits) SyncDebounce() time.Duration {
	return time.Duration(l.syncDebounce.Load())
}

func (l *Limits) SetSyncDebounce(d time.Duration) {
	l.syncDebounce.Store(clamp(int64(d), int64(time.Millisecond), int64(5*time.Second)))
}

// DiffDebounce returns the git-diff filesystem watch debounce window.
func (l *Limits) DiffDebounce() time.Duration {
	return time.Duration(l.diffDebounce.Load())
}

func (l *Limits) SetDiffDebounce(d time.Duration) {
	l.diffDebounce.Store(clamp(int64(d), int64(10*time.Millisecond), int64(30*time.Second)))
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
