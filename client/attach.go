package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/termdeck/termdeck/internal/protocol"
)

const (
	// resetThreshold is how long a connection must survive before the
	// backoff interval resets.
	resetThreshold = 30 * time.Second

	// steadyAfterAttempts caps the retry budget: past this many
	// consecutive failures the loop retries at a constant slow pace
	// instead of giving up.
	steadyAfterAttempts = 100
	steadyInterval      = 60 * time.Second
)

// AttachOptions configures a reconnecting worker-channel attachment.
type AttachOptions struct {
	// OnConnect runs after each successful dial, before frames flow.
	// Typical use: send the current terminal size.
	OnConnect func(ctx context.Context, conn *Conn) error

	// OnFrame receives every decoded server frame.
	OnFrame func(f protocol.ServerFrame)

	// OnDisconnect is told about each dropped connection before the
	// reconnect wait.
	OnDisconnect func(err error)
}

// newAttachBackoff builds the reconnect policy: 1 s base, 30 s cap,
// 2x multiplier, ±30% jitter.
func newAttachBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.3
	b.Reset()
	return b
}

// Attach maintains a worker channel across disconnects. It returns nil
// when the server closes the channel deliberately (normal closure or
// going-away) and an error when the attachment is rejected outright or
// ctx is cancelled. Any other disconnect triggers a reconnect; each
// fresh connection replays history, so no output is lost silently.
func (c *Client) Attach(ctx context.Context, sessionID, workerID string, opts AttachOptions) error {
	bo := newAttachBackoff()
	attempts := 0

	for {
		start := time.Now()
		err := c.attachOnce(ctx, sessionID, workerID, opts)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil
		case websocket.StatusPolicyViolation:
			// Unknown session or worker; retrying cannot help.
			return err
		}
		if err == nil {
			return nil
		}

		if time.Since(start) >= resetThreshold {
			bo.Reset()
			attempts = 0
		}

		if opts.OnDisconnect != nil {
			opts.OnDisconnect(err)
		}

		attempts++
		interval := bo.NextBackOff()
		if attempts > steadyAfterAttempts {
			interval = steadyInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) attachOnce(ctx context.Context, sessionID, workerID string, opts AttachOptions) error {
	conn, err := c.DialWorker(ctx, sessionID, workerID)
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()

	if opts.OnConnect != nil {
		if err := opts.OnConnect(ctx, conn); err != nil {
			return err
		}
	}

	for {
		f, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if opts.OnFrame != nil {
			opts.OnFrame(f)
		}
	}
}
