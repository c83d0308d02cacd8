package worker

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/util/testutil"
)

// frameSink records every frame an engine sends it.
type frameSink struct {
	mu     sync.Mutex
	frames []protocol.ServerFrame
}

func (s *frameSink) Send(f protocol.ServerFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *frameSink) all() []protocol.ServerFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ServerFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// stream returns the concatenation of the first history frame's data
// and every output frame after it.
func (s *frameSink) stream() string {
	var b strings.Builder
	for _, f := range s.all() {
		switch fr := f.(type) {
		case protocol.History:
			b.Reset()
			b.WriteString(fr.Data)
		case protocol.Output:
			b.WriteString(fr.Data)
		}
	}
	return b.String()
}

func (s *frameSink) firstHistory() (protocol.History, bool) {
	for _, f := range s.all() {
		if h, ok := f.(protocol.History); ok {
			return h, true
		}
	}
	return protocol.History{}, false
}

func (s *frameSink) lastExit() (protocol.Exit, bool) {
	var out protocol.Exit
	found := false
	for _, f := range s.all() {
		if e, ok := f.(protocol.Exit); ok {
			out, found = e, true
		}
	}
	return out, found
}

func (s *frameSink) errorWithCode(code string) (protocol.Error, bool) {
	for _, f := range s.all() {
		if e, ok := f.(protocol.Error); ok && e.Code == code {
			return e, true
		}
	}
	return protocol.Error{}, false
}

func testLimits(t *testing.T) *config.Limits {
	t.Helper()
	l := config.DefaultLimits()
	l.SetActivityDebounce(time.Millisecond)
	l.SetActiveWindow(30 * time.Millisecond)
	return l
}

func newShellEngine(t *testing.T, script string) *PTYEngine {
	t.Helper()
	e := NewPTYEngine(PTYOptions{
		SessionID:  "s1",
		WorkerID:   "w1",
		WorkerType: protocol.WorkerTerminal,
		ServerID:   "sv-test",
		Limits:     testLimits(t),
		Spawn: SpawnSpec{
			Command:    "/bin/sh",
			Args:       []string{"-c", script},
			WorkingDir: t.TempDir(),
		},
	})
	t.Cleanup(e.Close)
	return e
}

func TestPTYEngine_AttachTypeReadBack(t *testing.T) {
	e := newShellEngine(t, "cat")
	sink := &frameSink{}
	e.Attach(sink)

	h, ok := sink.firstHistory()
	require.True(t, ok, "attach must send a history frame first")
	assert.Equal(t, int64(0), h.Offset)
	assert.Equal(t, "sv-test", h.ServerID)
	assert.False(t, h.Truncated)

	e.HandleFrame(sink, &protocol.Input{Data: "hi there\n"})
	testutil.RequireEventually(t, func() bool {
		return strings.Contains(sink.stream(), "hi there")
	}, "echoed input should come back as output")
}

func TestPTYEngine_OffsetArithmetic(t *testing.T) {
	e := newShellEngine(t, "printf alpha; sleep 0.05; printf beta; sleep 1")
	sink := &frameSink{}
	e.Attach(sink)

	testutil.RequireEventually(t, func() bool {
		return strings.Contains(sink.stream(), "beta")
	}, "all output should arrive")

	h, _ := sink.firstHistory()
	prev := h.Offset
	for _, f := range sink.all() {
		out, ok := f.(protocol.Output)
		if !ok {
			continue
		}
		assert.Equal(t, prev+int64(len(out.Data)), out.Offset,
			"each output offset equals the previous tail plus its length")
		prev = out.Offset
	}
	assert.Greater(t, prev, h.Offset)
}

func TestPTYEngine_LateAttachResumes(t *testing.T) {
	e := newShellEngine(t, "printf early; sleep 1")
	first := &frameSink{}
	e.Attach(first)

	testutil.RequireEventually(t, func() bool {
		return strings.Contains(first.stream(), "early")
	}, "first sink should see the output")

	second := &frameSink{}
	e.Attach(second)
	h, ok := second.firstHistory()
	require.True(t, ok)
	assert.Contains(t, h.Data, "early")
	assert.Equal(t, int64(len(h.Data)), h.Offset)
}

func TestPTYEngine_ExitAndInputAfterExit(t *testing.T) {
	e := newShellEngine(t, "exit 3")
	sink := &frameSink{}
	e.Attach(sink)

	testutil.RequireEventually(t, func() bool {
		_, ok := sink.lastExit()
		return ok
	}, "exit frame should arrive")

	exit, _ := sink.lastExit()
	assert.Equal(t, 3, exit.ExitCode)
	assert.Nil(t, exit.Signal)
	assert.True(t, e.Exited())

	e.HandleFrame(sink, &protocol.Input{Data: "anything"})
	_, gotErr := sink.errorWithCode(protocol.CodeWorkerExited)
	assert.True(t, gotErr, "input after exit answers WORKER_EXITED")
}

func TestPTYEngine_AttachAfterExitReplaysHistory(t *testing.T) {
	e := newShellEngine(t, "printf leftover")
	first := &frameSink{}
	e.Attach(first)
	testutil.RequireEventually(t, func() bool {
		_, ok := first.lastExit()
		return ok
	}, "worker should exit")

	late := &frameSink{}
	e.Attach(late)
	h, ok := late.firstHistory()
	require.True(t, ok)
	assert.Contains(t, h.Data, "leftover")
	_, gotExit := late.lastExit()
	assert.True(t, gotExit, "late attach still learns the worker exited")
}

func TestPTYEngine_ResizeBeforeSpawn(t *testing.T) {
	e := newShellEngine(t, "stty size; sleep 1")
	sink := &frameSink{}
	e.HandleFrame(sink, &protocol.Resize{Cols: 120, Rows: 40})
	e.Attach(sink)

	testutil.RequireEventually(t, func() bool {
		return strings.Contains(sink.stream(), "40 120")
	}, "queued resize should apply at spawn")
}

func TestPTYEngine_InputOverflowKillsWorker(t *testing.T) {
	limits := testLimits(t)
	limits.SetPtyWriteBuffer(4 * 1024)
	e := NewPTYEngine(PTYOptions{
		SessionID:  "s1",
		WorkerID:   "w1",
		WorkerType: protocol.WorkerTerminal,
		ServerID:   "sv-test",
		Limits:     limits,
		Spawn:      SpawnSpec{Command: "/bin/sh", Args: []string{"-c", "exec sleep 30"}},
	})
	t.Cleanup(e.Close)

	sink := &frameSink{}
	e.Attach(sink)
	e.HandleFrame(sink, &protocol.Input{Data: strings.Repeat("x", 5*1024)})

	_, got := sink.errorWithCode(protocol.CodePTYBackpressure)
	assert.True(t, got, "oversized input should trip PTY_BACKPRESSURE")
	testutil.RequireEventually(t, func() bool {
		return e.Exited()
	}, "overflow should kill the worker")
}

func TestPTYEngine_RequestHistoryAheadOfTail(t *testing.T) {
	e := newShellEngine(t, "printf abc; sleep 1")
	sink := &frameSink{}
	e.Attach(sink)

	testutil.RequireEventually(t, func() bool {
		return strings.Contains(sink.stream(), "abc")
	}, "output should arrive")

	ahead := int64(1 << 20)
	probe := &frameSink{}
	e.HandleFrame(probe, &protocol.RequestHistory{FromOffset: &ahead})
	h, ok := probe.firstHistory()
	require.True(t, ok)
	assert.False(t, h.Truncated)
	assert.Contains(t, h.Data, "abc", "ahead-of-tail offset returns the full buffer")
}

func TestPTYEngine_RestartResetsStream(t *testing.T) {
	e := newShellEngine(t, "printf 'generation-one-padding-so-the-old-tail-is-well-ahead'; sleep 30")
	sink := &frameSink{}
	e.Attach(sink)

	testutil.RequireEventually(t, func() bool {
		return strings.Contains(sink.stream(), "well-ahead")
	}, "first generation output")

	h1, _ := sink.firstHistory()
	preTail := h1.Offset
	for _, f := range sink.all() {
		if out, ok := f.(protocol.Output); ok {
			preTail = out.Offset
		}
	}
	require.Greater(t, preTail, int64(0))
	seen := len(sink.all())

	e.Restart(SpawnSpec{Command: "/bin/sh", Args: []string{"-c", "printf 'generation-two'; sleep 30"}}, nil)

	// The restart history frame starts a fresh stream at offset 0.
	var restartHist *protocol.History
	testutil.RequireEventually(t, func() bool {
		frames := sink.all()
		for i := seen; i < len(frames); i++ {
			if h, ok := frames[i].(protocol.History); ok {
				restartHist = &h
				return true
			}
		}
		return false
	}, "restart should deliver a reset history frame")
	assert.Less(t, restartHist.Offset, preTail)
	assert.Equal(t, int64(len(restartHist.Data)), restartHist.Offset)

	testutil.RequireEventually(t, func() bool {
		frames := sink.all()
		for i := len(frames) - 1; i >= seen; i-- {
			if out, ok := frames[i].(protocol.Output); ok {
				return strings.Contains(out.Data, "generation-two") && out.Offset < preTail
			}
		}
		return false
	}, "second generation output restarts offsets below the old tail")
}

func TestPTYEngine_ImageSpool(t *testing.T) {
	spool := t.TempDir()
	e := NewPTYEngine(PTYOptions{
		SessionID:  "s1",
		WorkerID:   "w1",
		WorkerType: protocol.WorkerAgent,
		ServerID:   "sv-test",
		Limits:     testLimits(t),
		Spawn:      SpawnSpec{Command: "/bin/sh", Args: []string{"-c", "cat"}},
		SpoolDir:   spool,
	})
	t.Cleanup(e.Close)

	sink := &frameSink{}
	e.Attach(sink)
	// 1x1 transparent PNG.
	e.HandleFrame(sink, &protocol.Image{
		Data:     "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==",
		MimeType: "image/png",
	})

	testutil.RequireEventually(t, func() bool {
		entries, err := os.ReadDir(spool)
		return err == nil && len(entries) == 1
	}, "image should be spooled to disk")

	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(entries[0].Name()))

	testutil.RequireEventually(t, func() bool {
		return strings.Contains(sink.stream(), entries[0].Name())
	}, "spooled path should be typed into the pty")
}

func TestPTYEngine_SpawnFailure(t *testing.T) {
	e := NewPTYEngine(PTYOptions{
		SessionID:  "s1",
		WorkerID:   "w1",
		WorkerType: protocol.WorkerTerminal,
		ServerID:   "sv-test",
		Limits:     testLimits(t),
		Spawn:      SpawnSpec{Command: "/definitely/not/a/binary"},
	})
	t.Cleanup(e.Close)

	sink := &frameSink{}
	e.Attach(sink)

	assert.True(t, e.Exited())
	exit, ok := sink.lastExit()
	require.True(t, ok)
	assert.Equal(t, -1, exit.ExitCode)
}

func TestUTF8Stream(t *testing.T) {
	var u utf8Stream

	// A rune split across two chunks is reassembled.
	snowman := []byte("☃")
	first := u.normalize(append([]byte("ok"), snowman[:1]...))
	assert.Equal(t, "ok", string(first))
	second := u.normalize(snowman[1:])
	assert.Equal(t, "☃", string(second))

	// Invalid bytes become the replacement rune.
	bad := u.normalize([]byte{'a', 0xff, 'b'})
	assert.Equal(t, "a�b", string(bad))

	// A fragment pending at exit is flushed as replacement.
	_ = u.normalize(snowman[:2])
	flushed := u.flush()
	assert.Equal(t, "�", string(flushed))
	assert.Nil(t, u.flush())
}
