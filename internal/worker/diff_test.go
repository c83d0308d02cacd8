package worker

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/util/testutil"
)

func gitRepo(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "initial"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return dir
}

func (s *frameSink) lastDiffData() (protocol.DiffData, bool) {
	var out protocol.DiffData
	found := false
	for _, f := range s.all() {
		if d, ok := f.(protocol.DiffData); ok {
			out, found = d, true
		}
	}
	return out, found
}

func TestDiffEngine_AttachAndRefresh(t *testing.T) {
	dir := gitRepo(t)
	d, err := NewDiffEngine(dir, "HEAD", protocol.TargetWorkingDir, testLimits(t))
	require.NoError(t, err)
	t.Cleanup(d.Close)

	sink := &frameSink{}
	d.Attach(sink)

	testutil.RequireEventually(t, func() bool {
		_, ok := sink.lastDiffData()
		return ok
	}, "attach should produce a diff-data frame")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x\n"), 0o644))
	d.HandleFrame(sink, &protocol.Refresh{})

	testutil.RequireEventually(t, func() bool {
		dd, ok := sink.lastDiffData()
		if !ok {
			return false
		}
		for _, f := range dd.Data.Summary.Files {
			if f.Path == "scratch.txt" {
				return true
			}
		}
		return false
	}, "refresh should pick up the new file")
}

func TestDiffEngine_BadRef(t *testing.T) {
	dir := gitRepo(t)
	_, err := NewDiffEngine(dir, "no-such-ref", protocol.TargetWorkingDir, testLimits(t))
	assert.Error(t, err)

	d, err := NewDiffEngine(dir, "HEAD", protocol.TargetWorkingDir, testLimits(t))
	require.NoError(t, err)
	t.Cleanup(d.Close)

	sink := &frameSink{}
	d.Attach(sink)
	d.HandleFrame(sink, &protocol.SetBaseCommit{Ref: "bogus"})

	_, got := sink.errorWithCode(protocol.CodeDiffBadRef)
	assert.True(t, got)
}

func TestDiffEngine_Expand(t *testing.T) {
	dir := gitRepo(t)
	d, err := NewDiffEngine(dir, "HEAD", protocol.TargetWorkingDir, testLimits(t))
	require.NoError(t, err)
	t.Cleanup(d.Close)

	sink := &frameSink{}
	d.HandleFrame(sink, &protocol.RequestExpand{Path: "README.md", StartLine: 1, EndLine: 1})

	var expand *protocol.DiffExpand
	for _, f := range sink.all() {
		if e, ok := f.(protocol.DiffExpand); ok {
			expand = &e
		}
	}
	require.NotNil(t, expand)
	assert.Equal(t, []string{"hi"}, expand.Lines)
}
