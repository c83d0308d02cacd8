package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err, "open store")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSession(id string) protocol.Session {
	return protocol.Session{
		ID:           id,
		Type:         protocol.SessionQuick,
		LocationPath: "/tmp/" + id,
		Status:       protocol.SessionActive,
		CreatedAt:    1700000000000,
		Workers: []protocol.Worker{
			{ID: "w-agent", Type: protocol.WorkerAgent, Name: "claude", AgentID: "claude", CreatedAt: 1700000000000},
			{ID: "w-term", Type: protocol.WorkerTerminal, Name: "shell", CreatedAt: 1700000000001},
			{ID: "w-diff", Type: protocol.WorkerGitDiff, Name: "diff", BaseCommit: "HEAD", TargetRef: protocol.TargetWorkingDir, CreatedAt: 1700000000002},
		},
	}
}

func TestCreateAndListSessions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, sampleSession("s1")))
	require.NoError(t, s.CreateSession(ctx, sampleSession("s2")))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	got := sessions[0]
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, protocol.SessionQuick, got.Type)
	require.Len(t, got.Workers, 3)

	// Worker order is position order, not alphabetical.
	assert.Equal(t, "w-agent", got.Workers[0].ID)
	assert.Equal(t, "w-term", got.Workers[1].ID)
	assert.Equal(t, "w-diff", got.Workers[2].ID)
	assert.Equal(t, protocol.TargetWorkingDir, got.Workers[2].TargetRef)
}

func TestUpdateSession(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sess := sampleSession("s1")
	require.NoError(t, s.CreateSession(ctx, sess))

	sess.Title = "refactor auth"
	sess.Status = protocol.SessionExited
	sess.Workers[0].Activated = true
	sess.Workers[0].AgentID = "other-agent"
	require.NoError(t, s.UpdateSession(ctx, sess))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "refactor auth", sessions[0].Title)
	assert.Equal(t, protocol.SessionExited, sessions[0].Status)
	assert.True(t, sessions[0].Workers[0].Activated)
	assert.Equal(t, "other-agent", sessions[0].Workers[0].AgentID)
}

func TestUpdateSession_ReconcilesWorkers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sess := sampleSession("s1")
	require.NoError(t, s.CreateSession(ctx, sess))

	// Drop the terminal, add a second agent.
	sess.Workers = []protocol.Worker{
		sess.Workers[0],
		sess.Workers[2],
		{ID: "w-agent2", Type: protocol.WorkerAgent, Name: "reviewer", AgentID: "claude"},
	}
	require.NoError(t, s.UpdateSession(ctx, sess))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions[0].Workers, 3)
	assert.Equal(t, "w-agent", sessions[0].Workers[0].ID)
	assert.Equal(t, "w-diff", sessions[0].Workers[1].ID)
	assert.Equal(t, "w-agent2", sessions[0].Workers[2].ID)
}

func TestUpdateSession_NotFound(t *testing.T) {
	s := newStore(t)
	err := s.UpdateSession(context.Background(), sampleSession("ghost"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, sampleSession("s1")))
	require.NoError(t, s.DeleteSession(ctx, "s1"))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	assert.ErrorIs(t, s.DeleteSession(ctx, "s1"), store.ErrNotFound)
}

func TestSDKTranscript_AppendAndList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, sampleSession("s1")))

	for i, uuid := range []string{"u1", "u2", "u3"} {
		payload, _ := json.Marshal(map[string]int{"n": i})
		require.NoError(t, s.AppendSDKMessage(ctx, "s1", "w-agent", protocol.SDKMessage{
			UUID: uuid, Role: "assistant", Payload: payload,
		}))
	}

	msgs, err := s.ListSDKMessages(ctx, "s1", "w-agent", nil)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "u1", msgs[0].UUID)
	assert.JSONEq(t, `{"n":0}`, string(msgs[0].Payload))

	last, err := s.LastSDKUUID(ctx, "s1", "w-agent")
	require.NoError(t, err)
	assert.Equal(t, "u3", last)
}

func TestSDKTranscript_ResumeAfterUUID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, sampleSession("s1")))

	for _, uuid := range []string{"u1", "u2", "u3"} {
		require.NoError(t, s.AppendSDKMessage(ctx, "s1", "w-agent", protocol.SDKMessage{
			UUID: uuid, Role: "assistant", Payload: []byte(`{}`),
		}))
	}

	after := "u1"
	msgs, err := s.ListSDKMessages(ctx, "s1", "w-agent", &after)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "u2", msgs[0].UUID)

	// Unknown cursor falls back to full replay.
	unknown := "from-previous-life"
	msgs, err = s.ListSDKMessages(ctx, "s1", "w-agent", &unknown)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestSDKTranscript_Clear(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, sampleSession("s1")))
	require.NoError(t, s.AppendSDKMessage(ctx, "s1", "w-agent", protocol.SDKMessage{
		UUID: "u1", Role: "user", Payload: []byte(`{}`),
	}))

	require.NoError(t, s.ClearSDKMessages(ctx, "s1", "w-agent"))

	msgs, err := s.ListSDKMessages(ctx, "s1", "w-agent", nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	last, err := s.LastSDKUUID(ctx, "s1", "w-agent")
	require.NoError(t, err)
	assert.Empty(t, last)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/termdeck.db"

	s, err := store.New(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateSession(context.Background(), sampleSession("s1")))
	require.NoError(t, s.Close())

	s2, err := store.New(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	sessions, err := s2.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
	require.Len(t, sessions[0].Workers, 3)
}
