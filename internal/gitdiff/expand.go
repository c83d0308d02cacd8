package gitdiff

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/termdeck/termdeck/internal/protocol"
)

// maxExpandLines caps one context-expansion answer.
const maxExpandLines = 2000

// Expand returns lines [startLine, endLine] (1-based, inclusive) of a
// file at the diff target: read from disk for a working-dir target,
// from the commit's tree otherwise. Unchanged-context requests around
// hunks resolve through this.
func Expand(dir, targetRef, path string, startLine, endLine int) ([]string, error) {
	if startLine < 1 || endLine < startLine {
		return nil, fmt.Errorf("invalid line range %d-%d", startLine, endLine)
	}
	if endLine-startLine+1 > maxExpandLines {
		endLine = startLine + maxExpandLines - 1
	}

	var content string
	if targetRef == protocol.TargetWorkingDir {
		clean := filepath.Clean(path)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return nil, fmt.Errorf("path %q escapes the worktree", path)
		}
		data, err := os.ReadFile(filepath.Join(dir, clean))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		content = string(data)
	} else {
		out, err := runGit(dir, "show", targetRef+":"+path)
		if err != nil {
			return nil, err
		}
		content = out
	}

	lines := strings.Split(content, "\n")
	if startLine > len(lines) {
		return []string{}, nil
	}
	if endLine > len(lines) {
		endLine = len(lines)
	}
	return lines[startLine-1 : endLine], nil
}

// countFileLines counts the lines of an on-disk file, reporting binary
// content instead of a count when a NUL byte appears in the first 8 KiB.
func countFileLines(dir, path string) (lines int, binary bool) {
	data, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		return 0, false
	}
	probe := data
	if len(probe) > 8*1024 {
		probe = probe[:8*1024]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return 0, true
	}
	if len(data) == 0 {
		return 0, false
	}
	n := bytes.Count(data, []byte{'\n'})
	if data[len(data)-1] != '\n' {
		n++
	}
	return n, false
}
