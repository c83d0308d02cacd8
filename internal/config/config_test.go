package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "explicit missing file should fail")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, DefaultHistoryCapBytes, cfg.HistoryCapBytes)
	assert.Equal(t, DefaultSendQueueFrames, cfg.SendQueueFrames)
	assert.Equal(t, int64(DefaultSendQueueBytes), cfg.SendQueueBytes)
	assert.Equal(t, DefaultActivityDebounceMs, cfg.ActivityDebounceMs)
	assert.Equal(t, DefaultActiveWindowMs, cfg.ActiveWindowMs)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "listen: \":9999\"\nhistoryCapBytes: 1048576\nlog:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("TERMDECK_HISTORY_CAP_BYTES", "524288")
	t.Setenv("TERMDECK_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen, "file overrides default")
	assert.Equal(t, 524288, cfg.HistoryCapBytes, "env overrides file")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	require.NoError(t, cfg.Validate())
	assert.DirExists(t, cfg.DataDir)

	cfg.Listen = ""
	assert.Error(t, cfg.Validate())

	cfg.Listen = ":7070"
	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Validate())
}

func TestPaths(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/td"}
	assert.Equal(t, "/tmp/td/termdeck.db", cfg.DBPath())
	assert.Equal(t, "/tmp/td/termdeck.sock", cfg.SocketPath())
	assert.Equal(t, "/tmp/td/agents.yaml", cfg.AgentsPath())
	cfg.AgentsFile = "/etc/agents.yaml"
	assert.Equal(t, "/etc/agents.yaml", cfg.AgentsPath())
}

func TestLimits_ClampAndRead(t *testing.T) {
	l := DefaultLimits()
	assert.Equal(t, DefaultHistoryCapBytes, l.HistoryCap("terminal"))
	assert.Equal(t, 100*time.Millisecond, l.ActivityDebounce())
	assert.Equal(t, 750*time.Millisecond, l.ActiveWindow())

	l.SetHistoryCap(1) // below floor
	assert.Equal(t, 64*1024, l.HistoryCap("agent"))

	l.SetTerminalHistoryCap(128 * 1024)
	assert.Equal(t, 128*1024, l.HistoryCap("terminal"))
	assert.Equal(t, 64*1024, l.HistoryCap("agent"), "agent still uses shared cap")

	l.SetSendQueueFrames(1)
	assert.Equal(t, 16, l.SendQueueFrames())

	l.SetActivityDebounce(time.Hour)
	assert.Equal(t, 5*time.Second, l.ActivityDebounce())

	l.SetIdleTimeout(time.Second)
	assert.Equal(t, 30*time.Second, l.IdleTimeout())
}
