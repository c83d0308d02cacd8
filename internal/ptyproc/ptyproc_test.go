package ptyproc

import (
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/util/testutil"
)

type collector struct {
	mu       sync.Mutex
	output   []byte
	exited   bool
	exitCode int
	signal   *string
}

func (c *collector) onData(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = append(c.output, data...)
}

func (c *collector) onExit(code int, signal *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exited = true
	c.exitCode = code
	c.signal = signal
}

func (c *collector) contains(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Contains(string(c.output), s)
}

func (c *collector) hasExited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited
}

func TestSpawn_EchoRoundTrip(t *testing.T) {
	c := &collector{}
	p, err := Spawn(Options{
		Command:    "/bin/sh",
		WorkingDir: t.TempDir(),
		Cols:       80,
		Rows:       24,
	}, c.onData, c.onExit)
	require.NoError(t, err, "Spawn")
	defer p.Kill(syscall.SIGKILL)

	require.NoError(t, p.Write([]byte("echo hello\n")), "Write")

	testutil.AssertEventually(t, func() bool { return c.contains("hello") },
		"expected output to contain 'hello'")
}

func TestSpawn_ExitFiresOnce(t *testing.T) {
	c := &collector{}
	p, err := Spawn(Options{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
	}, c.onData, c.onExit)
	require.NoError(t, err, "Spawn")

	assert.Equal(t, 3, p.Wait())
	testutil.AssertEventually(t, c.hasExited, "exit handler should fire")

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 3, c.exitCode)
	assert.Nil(t, c.signal)
}

func TestSpawn_KillReportsSignal(t *testing.T) {
	c := &collector{}
	p, err := Spawn(Options{
		Command: "/bin/sh",
	}, c.onData, c.onExit)
	require.NoError(t, err, "Spawn")

	p.Kill(syscall.SIGKILL)
	p.Wait()

	testutil.AssertEventually(t, c.hasExited, "exit handler should fire")
	assert.True(t, p.Exited())
}

func TestSpawn_WriteAfterExitIsSilent(t *testing.T) {
	c := &collector{}
	p, err := Spawn(Options{
		Command: "/bin/sh",
		Args:    []string{"-c", "true"},
	}, c.onData, c.onExit)
	require.NoError(t, err, "Spawn")

	p.Wait()
	testutil.AssertEventually(t, c.hasExited, "exit handler should fire")

	assert.NoError(t, p.Write([]byte("ignored\n")), "write after exit is a silent no-op")
	assert.NoError(t, p.Resize(100, 30), "resize after exit is a silent no-op")
}

func TestSpawn_MissingCommand(t *testing.T) {
	_, err := Spawn(Options{Command: "/nonexistent/binary"}, func([]byte) {}, func(int, *string) {})
	require.Error(t, err)

	_, err = Spawn(Options{}, func([]byte) {}, func(int, *string) {})
	require.Error(t, err)
}

func TestSpawn_Resize(t *testing.T) {
	c := &collector{}
	p, err := Spawn(Options{Command: "/bin/sh", Cols: 80, Rows: 24}, c.onData, c.onExit)
	require.NoError(t, err, "Spawn")
	defer p.Kill(syscall.SIGKILL)

	require.NoError(t, p.Resize(120, 40), "Resize")

	// stty reads the size back from the PTY itself.
	require.NoError(t, p.Write([]byte("stty size\n")))
	testutil.AssertEventually(t, func() bool { return c.contains("40 120") },
		"expected stty to report the new size")
}

func TestDefaultShell_Configured(t *testing.T) {
	assert.Equal(t, "/bin/sh", DefaultShell("/bin/sh"))
	// A bogus configured shell falls back to detection, never "".
	assert.NotEmpty(t, DefaultShell("/nonexistent/shell"))
	assert.NotEmpty(t, DefaultShell(""))
}
