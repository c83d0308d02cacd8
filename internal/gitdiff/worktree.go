package gitdiff

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"
)

// ValidateBranchName validates a branch name against the
// git-check-ref-format rules the server relies on.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name must not be empty")
	}
	if len(name) > 256 {
		return fmt.Errorf("branch name must be at most 256 characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("branch name must not contain control characters")
		}
		switch r {
		case ' ', '~', '^', ':', '?', '*', '[', ']', '\\':
			return fmt.Errorf("branch name must not contain '%c'", r)
		}
	}
	if name[0] == '/' || name[0] == '.' || name[0] == '-' || name[0] == '@' {
		return fmt.Errorf("branch name must not start with '%c'", name[0])
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("branch name must not end with /, ., or .lock")
	}
	for _, bad := range []string{"..", "//", "/."} {
		if strings.Contains(name, bad) {
			return fmt.Errorf("branch name must not contain '%s'", bad)
		}
	}
	return nil
}

// CreateWorktree creates a worktree at worktreePath on a new branch
// starting at startPoint. If the branch already exists it is checked
// out instead.
func CreateWorktree(repoRoot, worktreePath, branchName, startPoint string) error {
	if err := ValidateBranchName(branchName); err != nil {
		return fmt.Errorf("invalid branch name: %w", err)
	}

	info, err := os.Stat(filepath.Join(repoRoot, ".git"))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%q is not a git repository", repoRoot)
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	cmd := exec.Command("git", "-C", repoRoot, "worktree", "add", worktreePath, "-b", branchName, startPoint)
	if output, err := cmd.CombinedOutput(); err != nil {
		outStr := strings.TrimSpace(string(output))
		if strings.Contains(outStr, "already exists") {
			cmd2 := exec.Command("git", "-C", repoRoot, "worktree", "add", worktreePath, branchName)
			if output2, err2 := cmd2.CombinedOutput(); err2 != nil {
				return fmt.Errorf("git worktree add: %s", strings.TrimSpace(string(output2)))
			}
			return nil
		}
		return fmt.Errorf("git worktree add: %s", outStr)
	}
	return nil
}

// RemoveWorktree removes a worktree, falling back to manual directory
// removal plus prune when git refuses (dirty tree, crashed state).
func RemoveWorktree(repoRoot, worktreePath string) error {
	info, err := os.Stat(filepath.Join(repoRoot, ".git"))
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%q is not a git repository", repoRoot)
	}

	cmd := exec.Command("git", "-C", repoRoot, "worktree", "remove", worktreePath, "--force")
	if output, err := cmd.CombinedOutput(); err != nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("git worktree remove: %s; manual removal also failed: %w",
				strings.TrimSpace(string(output)), rmErr)
		}
		_ = exec.Command("git", "-C", repoRoot, "worktree", "prune").Run()
	}

	// Drop the parent directory when this was its last worktree;
	// os.Remove refuses non-empty directories, which is what we want.
	_ = os.Remove(filepath.Dir(worktreePath))
	return nil
}

// RenameBranch renames the branch checked out in a worktree.
func RenameBranch(worktreePath, newName string) error {
	if err := ValidateBranchName(newName); err != nil {
		return fmt.Errorf("invalid branch name: %w", err)
	}
	cmd := exec.Command("git", "-C", worktreePath, "branch", "-m", newName)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git branch -m %s: %s", newName, strings.TrimSpace(string(output)))
	}
	return nil
}
