// Package config loads server configuration from defaults, an optional
// YAML file and TERMDECK_-prefixed environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the server's runtime configuration. The flat keys match
// the recognized option names; see DefaultPath for file discovery.
type Config struct {
	Listen     string `koanf:"listen"`
	DataDir    string `koanf:"dataDir"`
	AgentsFile string `koanf:"agentsFile"`

	Log LogConfig `koanf:"log"`

	HistoryCapBytes         int   `koanf:"historyCapBytes"`
	TerminalHistoryCapBytes int   `koanf:"terminalHistoryCapBytes"`
	AgentHistoryCapBytes    int   `koanf:"agentHistoryCapBytes"`
	SendQueueFrames         int   `koanf:"sendQueueFrames"`
	SendQueueBytes          int64 `koanf:"sendQueueBytes"`
	IdleTimeoutSeconds      int   `koanf:"idleTimeoutSeconds"`
	ActivityDebounceMs      int   `koanf:"activityDebounceMs"`
	ActiveWindowMs          int   `koanf:"activeWindowMs"`
	PtyWriteBufferBytes     int   `koanf:"ptyWriteBufferBytes"`
	SyncDebounceMs          int   `koanf:"syncDebounceMs"`
	DiffDebounceMs          int   `koanf:"diffDebounceMs"`
	ShutdownTimeoutSeconds  int   `koanf:"shutdownTimeoutSeconds"`

	DefaultShell string `koanf:"defaultShell"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

const envPrefix = "TERMDECK_"

// envKeyMap maps SNAKE_CASE environment suffixes to camelCase config
// keys; keys not listed here map by lowercasing and replacing "_" with
// the section delimiter (e.g. TERMDECK_LOG_LEVEL -> log.level).
var envKeyMap = map[string]string{
	"data_dir":                   "dataDir",
	"agents_file":                "agentsFile",
	"history_cap_bytes":          "historyCapBytes",
	"terminal_history_cap_bytes": "terminalHistoryCapBytes",
	"agent_history_cap_bytes":    "agentHistoryCapBytes",
	"send_queue_frames":          "sendQueueFrames",
	"send_queue_bytes":           "sendQueueBytes",
	"idle_timeout_seconds":       "idleTimeoutSeconds",
	"activity_debounce_ms":       "activityDebounceMs",
	"active_window_ms":           "activeWindowMs",
	"pty_write_buffer_bytes":     "ptyWriteBufferBytes",
	"sync_debounce_ms":           "syncDebounceMs",
	"diff_debounce_ms":           "diffDebounceMs",
	"shutdown_timeout_seconds":   "shutdownTimeoutSeconds",
	"default_shell":              "defaultShell",
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen":                  ":7070",
		"dataDir":                 defaultDataDir(),
		"agentsFile":              "",
		"log.level":               "info",
		"log.format":              "auto",
		"historyCapBytes":         DefaultHistoryCapBytes,
		"terminalHistoryCapBytes": 0,
		"agentHistoryCapBytes":    0,
		"sendQueueFrames":         DefaultSendQueueFrames,
		"sendQueueBytes":          DefaultSendQueueBytes,
		"idleTimeoutSeconds":      DefaultIdleTimeoutSeconds,
		"activityDebounceMs":      DefaultActivityDebounceMs,
		"activeWindowMs":          DefaultActiveWindowMs,
		"ptyWriteBufferBytes":     DefaultPtyWriteBufferBytes,
		"syncDebounceMs":          DefaultSyncDebounceMs,
		"diffDebounceMs":          DefaultDiffDebounceMs,
		"shutdownTimeoutSeconds":  10,
		"defaultShell":            "",
	}
}

// Load reads configuration from defaults, the YAML file at path (when
// path is "" the default location is tried; a missing file is not an
// error), and TERMDECK_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if mapped, ok := envKeyMap[s]; ok {
		return mapped
	}
	return strings.ReplaceAll(s, "_", ".")
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.HistoryCapBytes <= 0 {
		return fmt.Errorf("historyCapBytes must be positive")
	}
	if c.SendQueueFrames <= 0 || c.SendQueueBytes <= 0 {
		return fmt.Errorf("send queue caps must be positive")
	}
	if _, err := ParseLogLevelNames(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// ParseLogLevelNames verifies that s names a known log level.
func ParseLogLevelNames(s string) (string, error) {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "termdeck")
	}
	return filepath.Join(home, ".config", "termdeck")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "termdeck.db")
}

// SocketPath returns the path to the Unix domain socket.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir, "termdeck.sock")
}

// AgentsPath returns the agent definitions file, defaulting to
// agents.yaml inside the data directory.
func (c *Config) AgentsPath() string {
	if c.AgentsFile != "" {
		return c.AgentsFile
	}
	return filepath.Join(c.DataDir, "agents.yaml")
}

// SpoolDir returns the directory for pasted image files.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}
