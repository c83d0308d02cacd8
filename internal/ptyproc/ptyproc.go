// Package ptyproc is the portable pseudo-terminal adapter: spawn a
// process on a PTY, stream its output, write input, resize, kill. It
// knows nothing about history buffers or protocols.
package ptyproc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// DataHandler receives output chunks. Chunking is arbitrary; order is
// preserved. No calls are made after the ExitHandler fires.
type DataHandler func(data []byte)

// ExitHandler receives the process exit code and, when the process was
// terminated by a signal, the signal name.
type ExitHandler func(exitCode int, signal *string)

// Options configures a spawn.
type Options struct {
	Command    string
	Args       []string
	Env        []string // appended to os.Environ()
	WorkingDir string
	Cols       uint16
	Rows       uint16
}

// Proc is a process running on a pseudo-terminal.
type Proc struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	closed bool

	exitCh   chan struct{}
	exitCode int
	signal   *string
}

// Spawn starts the command on a fresh PTY and begins streaming output.
// onData runs on the read goroutine; onExit fires exactly once after
// the final onData call.
func Spawn(opts Options, onData DataHandler, onExit ExitHandler) (*Proc, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	winSize := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if winSize.Cols == 0 {
		winSize.Cols = 80
	}
	if winSize.Rows == 0 {
		winSize.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, winSize)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &Proc{
		cmd:    cmd,
		ptmx:   ptmx,
		exitCh: make(chan struct{}),
	}

	go p.readLoop(onData, onExit)

	slog.Debug("pty spawned",
		"command", opts.Command,
		"pid", cmd.Process.Pid,
		"cols", winSize.Cols,
		"rows", winSize.Rows,
	)
	return p, nil
}

// Write sends input bytes to the PTY. After exit it fails silently.
func (p *Proc) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	_, err := p.ptmx.Write(data)
	return err
}

// Resize changes the terminal dimensions. After exit it is a no-op.
func (p *Proc) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill closes the PTY and signals the process. Exit reporting still
// goes through the ExitHandler once the process is reaped.
func (p *Proc) Kill(sig syscall.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	_ = p.ptmx.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(sig)
	}
}

// Wait blocks until the process has exited and returns its exit code.
func (p *Proc) Wait() int {
	<-p.exitCh
	return p.exitCode
}

// Exited reports whether the process has exited.
func (p *Proc) Exited() bool {
	select {
	case <-p.exitCh:
		return true
	default:
		return false
	}
}

// PID returns the process id.
func (p *Proc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Proc) readLoop(onData DataHandler, onExit ExitHandler) {
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			onData(data)
		}
		if err != nil {
			// EIO is the normal Linux read error once the child
			// closes its side of the PTY.
			if err != io.EOF {
				slog.Debug("pty read ended", "pid", p.PID(), "error", err)
			}
			break
		}
	}

	err := p.cmd.Wait()
	p.exitCode = 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				name := ws.Signal().String()
				p.signal = &name
			}
		} else {
			p.exitCode = -1
		}
	}

	p.mu.Lock()
	p.closed = true
	_ = p.ptmx.Close()
	p.mu.Unlock()

	close(p.exitCh)
	onExit(p.exitCode, p.signal)

	slog.Debug("pty exited", "pid", p.PID(), "exit_code", p.exitCode)
}
