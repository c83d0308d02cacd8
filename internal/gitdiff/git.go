// Package gitdiff computes diff summaries and raw patches between a
// base commit and a moving target (the working directory or a commit)
// inside a session's worktree, and watches the worktree for changes.
package gitdiff

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrBadRef marks a ref that git could not resolve to a commit.
var ErrBadRef = errors.New("gitdiff: bad ref")

// runGit executes git in dir and returns trimmed stdout. Stderr is
// folded into the error.
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// ResolveCommit resolves ref to a full commit hash. A ref that does
// not name a commit yields ErrBadRef.
func ResolveCommit(dir, ref string) (string, error) {
	hash, err := runGit(dir, "rev-parse", "--verify", "--end-of-options", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	return hash, nil
}

// MergeBase returns the best common ancestor of two commits. Used to
// anchor a session's diff at the point its branch forked.
func MergeBase(dir, a, b string) (string, error) {
	base, err := runGit(dir, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return base, nil
}

// CurrentBranch returns the checked-out branch name, or "" when HEAD
// is detached.
func CurrentBranch(dir string) (string, error) {
	return runGit(dir, "branch", "--show-current")
}
