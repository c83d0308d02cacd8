package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/termdeck/termdeck/client"
	"github.com/termdeck/termdeck/internal/protocol"
)

// detachKey ends the attachment (Ctrl-]).
const detachKey = 0x1d

func runAttach(args []string) error {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	serverURL := fs.String("server", "http://127.0.0.1:7070", "server base URL")
	socket := fs.String("socket", "", "Unix socket path (overrides -server)")
	workerRef := fs.String("worker", "", "worker id or name (default: first terminal worker)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: termdeck attach [flags] <session-id>")
	}
	sessionID := fs.Arg(0)

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return fmt.Errorf("attach requires a terminal on stdin")
	}

	c := newClient(*serverURL, *socket)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	workerID, err := pickWorker(sess, *workerRef)
	if err != nil {
		return err
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }()

	a := &attachment{}

	// Resize on SIGWINCH; the initial size goes out in OnConnect.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			a.sendResize(ctx)
		}
	}()

	go a.pumpStdin(ctx, cancel)

	err = c.Attach(ctx, sessionID, workerID, client.AttachOptions{
		OnConnect: func(ctx context.Context, conn *client.Conn) error {
			a.setConn(conn)
			a.sendResize(ctx)
			return nil
		},
		OnFrame: func(f protocol.ServerFrame) {
			switch fr := f.(type) {
			case *protocol.History:
				os.Stdout.WriteString(fr.Data)
			case *protocol.Output:
				os.Stdout.WriteString(fr.Data)
			case *protocol.Exit:
				fmt.Fprintf(os.Stderr, "\r\n[worker exited, code %d]\r\n", fr.ExitCode)
				cancel()
			case *protocol.Error:
				fmt.Fprintf(os.Stderr, "\r\n[%s] %s\r\n", fr.Code, fr.Message)
			}
		},
		OnDisconnect: func(err error) {
			fmt.Fprintf(os.Stderr, "\r\n[disconnected: %v, reconnecting]\r\n", err)
		},
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// attachment tracks the live connection across reconnects.
type attachment struct {
	mu   sync.Mutex
	conn *client.Conn
}

func (a *attachment) setConn(c *client.Conn) {
	a.mu.Lock()
	a.conn = c
	a.mu.Unlock()
}

func (a *attachment) current() *client.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *attachment) sendResize(ctx context.Context) {
	conn := a.current()
	if conn == nil {
		return
	}
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return
	}
	_ = conn.Send(ctx, protocol.Resize{Cols: cols, Rows: rows})
}

// pumpStdin forwards raw keyboard bytes; the detach key ends the
// session locally without touching the worker.
func (a *attachment) pumpStdin(ctx context.Context, cancel context.CancelFunc) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			cancel()
			return
		}
		data := buf[:n]
		for _, b := range data {
			if b == detachKey {
				cancel()
				return
			}
		}
		if conn := a.current(); conn != nil {
			_ = conn.Send(ctx, protocol.Input{Data: string(data)})
		}
	}
}

func pickWorker(sess protocol.Session, ref string) (string, error) {
	if ref != "" {
		for _, w := range sess.Workers {
			if w.ID == ref || w.Name == ref {
				return w.ID, nil
			}
		}
		return "", fmt.Errorf("session has no worker %q", ref)
	}
	for _, w := range sess.Workers {
		if w.Type == protocol.WorkerTerminal {
			return w.ID, nil
		}
	}
	if len(sess.Workers) > 0 {
		return sess.Workers[0].ID, nil
	}
	return "", fmt.Errorf("session has no workers")
}

func newClient(serverURL, socket string) *client.Client {
	if socket != "" {
		return client.NewUnix(socket)
	}
	return client.New(serverURL)
}
