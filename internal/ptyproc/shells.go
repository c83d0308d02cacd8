package ptyproc

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

var shellCache struct {
	once         sync.Once
	defaultShell string
}

// DefaultShell returns the shell used for terminal workers when the
// configuration does not name one. It checks $SHELL first and falls
// back to platform-specific detection (/etc/passwd on Linux, dscl on
// macOS). The result is cached.
func DefaultShell(configured string) string {
	if configured != "" {
		if resolved := resolveShellName(configured); resolved != "" {
			return resolved
		}
		slog.Warn("configured shell not found, falling back", "shell", configured)
	}

	shellCache.once.Do(func() {
		if shell := os.Getenv("SHELL"); shell != "" {
			shellCache.defaultShell = shell
			return
		}
		shellCache.defaultShell = detectDefaultShell()
	})
	return shellCache.defaultShell
}

// resolveShellName accepts either an absolute path or a bare command
// name resolved through PATH. Returns "" when the shell cannot be found.
func resolveShellName(name string) string {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err == nil {
			return name
		}
		return ""
	}
	abs, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return abs
}
