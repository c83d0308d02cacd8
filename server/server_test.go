package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Listen:                 "127.0.0.1:0",
		DataDir:                t.TempDir(),
		HistoryCapBytes:        config.DefaultHistoryCapBytes,
		SendQueueFrames:        config.DefaultSendQueueFrames,
		SendQueueBytes:         config.DefaultSendQueueBytes,
		IdleTimeoutSeconds:     config.DefaultIdleTimeoutSeconds,
		ActivityDebounceMs:     config.DefaultActivityDebounceMs,
		ActiveWindowMs:         config.DefaultActiveWindowMs,
		PtyWriteBufferBytes:    config.DefaultPtyWriteBufferBytes,
		SyncDebounceMs:         config.DefaultSyncDebounceMs,
		DiffDebounceMs:         config.DefaultDiffDebounceMs,
		ShutdownTimeoutSeconds: 5,
		Log:                    config.LogConfig{Level: "info", Format: "json"},
	}
}

func TestNew_WiresSurfaces(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	s, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	require.NotEmpty(t, s.ServerID())
	t.Cleanup(s.closeState)

	srv := httptest.NewServer(s.httpSrv.Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServe_UnixSocketAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(t.Context())

	s, err := New(ctx, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	sockPath := cfg.SocketPath()
	var conn net.Conn
	require.Eventually(t, func() bool {
		var dialErr error
		conn, dialErr = net.Dial("unix", sockPath)
		return dialErr == nil
	}, 5*time.Second, 10*time.Millisecond)
	conn.Close()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", sockPath)
		},
	}}
	resp, err := client.Get("http://unix/api/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.NoFileExists(t, sockPath)
}

func TestRemoveStaleSocket(t *testing.T) {
	dir := t.TempDir()

	// Missing file is fine.
	require.NoError(t, removeStaleSocket(filepath.Join(dir, "absent.sock")))

	// A leftover socket is removed.
	sockPath := filepath.Join(dir, "stale.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	ln.Close()
	if _, statErr := os.Stat(sockPath); statErr == nil {
		require.NoError(t, removeStaleSocket(sockPath))
	}

	// A regular file in the way is an error.
	filePath := filepath.Join(dir, "not-a-socket")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o644))
	assert.Error(t, removeStaleSocket(filePath))
}
