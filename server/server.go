// Package server wires the store, registry, WebSocket hub and session
// API into one HTTP server listening on TCP and a Unix domain socket.
package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/termdeck/termdeck/internal/agentdef"
	"github.com/termdeck/termdeck/internal/api"
	"github.com/termdeck/termdeck/internal/config"
	"github.com/termdeck/termdeck/internal/hub"
	"github.com/termdeck/termdeck/internal/id"
	"github.com/termdeck/termdeck/internal/logging"
	"github.com/termdeck/termdeck/internal/registry"
	"github.com/termdeck/termdeck/internal/store"
)

// Server is a fully wired termdeck instance. Call Serve to start
// listening; it blocks until ctx is cancelled.
type Server struct {
	cfg      *config.Config
	serverID string
	st       *store.Store
	catalog  *agentdef.Catalog
	reg      *registry.Registry
	wsHub    *hub.Hub
	httpSrv  *http.Server
}

// New opens the database, loads the agent catalog, rebuilds persisted
// sessions and wires all HTTP surfaces.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	limits := config.NewLimits(cfg)
	serverID := id.NewServerInstance()

	st, err := store.New(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	catalog, err := agentdef.Load(cfg.AgentsPath())
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load agent catalog: %w", err)
	}

	home, _ := os.UserHomeDir()
	reg, err := registry.New(ctx, registry.Options{
		Store:        st,
		Limits:       limits,
		Catalog:      catalog,
		ServerID:     serverID,
		DataDir:      cfg.DataDir,
		HomeDir:      home,
		DefaultShell: cfg.DefaultShell,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build registry: %w", err)
	}

	wsHub := hub.New(reg, catalog, limits)

	mux := http.NewServeMux()
	wsHub.Register(mux)
	api.New(reg, catalog).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Handler:           logging.HTTPMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		serverID: serverID,
		st:       st,
		catalog:  catalog,
		reg:      reg,
		wsHub:    wsHub,
		httpSrv:  httpSrv,
	}, nil
}

// ServerID returns the instance id echoed in history frames.
func (s *Server) ServerID() string { return s.serverID }

// Serve listens on the configured TCP address and the Unix socket and
// blocks until ctx is cancelled, then shuts down gracefully: WS
// connections get a going-away close, in-flight HTTP requests drain,
// engines are killed and the store is checkpointed.
func (s *Server) Serve(ctx context.Context) error {
	sockPath := s.cfg.SocketPath()
	if err := removeStaleSocket(sockPath); err != nil {
		s.closeState()
		return fmt.Errorf("remove stale socket: %w", err)
	}

	tcpLn, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.closeState()
		return fmt.Errorf("listen tcp: %w", err)
	}

	unixLn, err := net.Listen("unix", sockPath)
	if err != nil {
		_ = tcpLn.Close()
		s.closeState()
		return fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		_ = tcpLn.Close()
		_ = unixLn.Close()
		s.closeState()
		return fmt.Errorf("chmod socket: %w", err)
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	if err := s.catalog.Watch(watchCtx); err != nil {
		slog.Warn("agent catalog watch unavailable", "error", err)
	}

	var g errgroup.Group
	g.Go(func() error { return serveListener(s.httpSrv, tcpLn) })
	g.Go(func() error { return serveListener(s.httpSrv, unixLn) })
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")

		// Close WS connections first so clients see going-away
		// rather than a dropped TCP stream.
		s.wsHub.Shutdown()

		timeout := time.Duration(s.cfg.ShutdownTimeoutSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	})

	slog.Info("listening", "addr", tcpLn.Addr().String(), "socket", sockPath, "serverId", s.serverID)

	err = g.Wait()
	stopWatch()
	_ = os.Remove(sockPath)
	s.closeState()
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// closeState kills worker processes and closes the store. Safe to call
// once, after the HTTP surfaces are down.
func (s *Server) closeState() {
	s.reg.Close()
	if err := s.st.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
}

func serveListener(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// removeStaleSocket removes a leftover socket file from a previous crash.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Type() == fs.ModeSocket {
		return os.Remove(path)
	}
	return fmt.Errorf("%s exists but is not a socket", path)
}
