package gitdiff

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/termdeck/termdeck/internal/protocol"
)

// Stage states exposed per file when the target is the working
// directory. Commit-to-commit diffs have no index, so stageState stays
// empty there.
const (
	StageStaged   = "staged"
	StageUnstaged = "unstaged"
	StagePartial  = "partial"
)

// Compute builds the diff summary and raw unified patch for
// (baseCommit, targetRef) in dir. baseCommit must be a resolved hash;
// targetRef is protocol.TargetWorkingDir, or anything ResolveCommit
// accepts.
func Compute(dir, baseCommit, targetRef string) (protocol.DiffPayload, error) {
	workingDir := targetRef == protocol.TargetWorkingDir

	diffArgs := func(extra ...string) []string {
		args := []string{"diff", "--find-renames"}
		args = append(args, extra...)
		args = append(args, baseCommit)
		if !workingDir {
			args = append(args, targetRef)
		}
		args = append(args, "--")
		return args
	}

	raw, err := runGit(dir, diffArgs()...)
	if err != nil {
		return protocol.DiffPayload{}, err
	}
	numstat, err := runGit(dir, diffArgs("--numstat", "-z")...)
	if err != nil {
		return protocol.DiffPayload{}, err
	}
	nameStatus, err := runGit(dir, diffArgs("--name-status", "-z")...)
	if err != nil {
		return protocol.DiffPayload{}, err
	}

	files, err := parseFiles(numstat, nameStatus)
	if err != nil {
		return protocol.DiffPayload{}, err
	}

	if workingDir {
		untracked, uErr := untrackedFiles(dir)
		if uErr != nil {
			return protocol.DiffPayload{}, uErr
		}
		files = append(files, untracked...)
		if sErr := applyStageStates(dir, files); sErr != nil {
			return protocol.DiffPayload{}, sErr
		}
	}

	summary := protocol.DiffSummary{
		Files:      files,
		BaseCommit: baseCommit,
		TargetRef:  targetRef,
	}
	for _, f := range files {
		summary.TotalAdditions += f.Additions
		summary.TotalDeletions += f.Deletions
	}
	return protocol.DiffPayload{Summary: summary, RawDiff: raw}, nil
}

// parseFiles joins -z numstat records (adds/dels/paths) with -z
// name-status records (status letters and rename pairs) by position.
func parseFiles(numstat, nameStatus string) ([]protocol.DiffFile, error) {
	files := []protocol.DiffFile{}

	nsTokens := splitZ(nameStatus)
	for i := 0; i < len(nsTokens); {
		code := nsTokens[i]
		if code == "" {
			i++
			continue
		}
		f := protocol.DiffFile{}
		switch code[0] {
		case 'A':
			f.Status = "added"
		case 'D':
			f.Status = "deleted"
		case 'R':
			f.Status = "renamed"
		case 'C':
			f.Status = "copied"
		default:
			f.Status = "modified"
		}
		if code[0] == 'R' || code[0] == 'C' {
			if i+2 >= len(nsTokens) {
				return nil, fmt.Errorf("truncated name-status rename record")
			}
			f.OldPath = nsTokens[i+1]
			f.Path = nsTokens[i+2]
			i += 3
		} else {
			if i+1 >= len(nsTokens) {
				return nil, fmt.Errorf("truncated name-status record")
			}
			f.Path = nsTokens[i+1]
			i += 2
		}
		files = append(files, f)
	}

	// numstat -z: "adds\tdels\tpath\0" or, for renames,
	// "adds\tdels\t\0old\0new\0".
	stats := splitZ(numstat)
	fi := 0
	for i := 0; i < len(stats) && fi < len(files); {
		rec := stats[i]
		if rec == "" {
			i++
			continue
		}
		parts := strings.SplitN(rec, "\t", 3)
		if len(parts) < 3 {
			return nil, fmt.Errorf("malformed numstat record %q", rec)
		}
		if parts[0] == "-" {
			files[fi].IsBinary = true
		} else {
			adds, err := strconv.Atoi(parts[0])
			if err != nil {
				return nil, fmt.Errorf("malformed numstat additions %q", parts[0])
			}
			dels, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("malformed numstat deletions %q", parts[1])
			}
			files[fi].Additions = adds
			files[fi].Deletions = dels
		}
		if parts[2] == "" {
			i += 3 // rename: skip the old and new path tokens
		} else {
			i++
		}
		fi++
	}

	return files, nil
}

func splitZ(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\x00"), "\x00")
}

// untrackedFiles lists files git does not know about yet; against a
// working-dir target they are additions the numstat diff cannot see.
func untrackedFiles(dir string) ([]protocol.DiffFile, error) {
	out, err := runGit(dir, "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return nil, err
	}
	var files []protocol.DiffFile
	for _, path := range splitZ(out) {
		if path == "" {
			continue
		}
		adds, binary := countFileLines(dir, path)
		files = append(files, protocol.DiffFile{
			Path:       path,
			Status:     "added",
			Additions:  adds,
			IsBinary:   binary,
			StageState: StageUnstaged,
		})
	}
	return files, nil
}

// applyStageStates marks each file staged, unstaged, or partial by
// comparing the index-vs-HEAD and worktree-vs-index name sets.
func applyStageStates(dir string, files []protocol.DiffFile) error {
	stagedOut, err := runGit(dir, "diff", "--cached", "--name-only", "-z")
	if err != nil {
		return err
	}
	unstagedOut, err := runGit(dir, "diff", "--name-only", "-z")
	if err != nil {
		return err
	}

	staged := make(map[string]bool)
	for _, p := range splitZ(stagedOut) {
		staged[p] = true
	}
	unstaged := make(map[string]bool)
	for _, p := range splitZ(unstagedOut) {
		unstaged[p] = true
	}

	for i := range files {
		if files[i].StageState != "" {
			continue // untracked entries are pre-marked
		}
		switch {
		case staged[files[i].Path] && unstaged[files[i].Path]:
			files[i].StageState = StagePartial
		case staged[files[i].Path]:
			files[i].StageState = StageStaged
		default:
			files[i].StageState = StageUnstaged
		}
	}
	return nil
}
