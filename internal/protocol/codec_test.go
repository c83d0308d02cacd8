package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/protocol"
)

func TestEncode_InjectsTypeTag(t *testing.T) {
	data, err := protocol.Encode(protocol.Output{Data: "hi", Offset: 42})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "output", m["type"])
	assert.Equal(t, "hi", m["data"])
	assert.Equal(t, float64(42), m["offset"])
}

func TestEncode_EmptyFrame(t *testing.T) {
	data, err := protocol.EncodeClient(protocol.RequestSync{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"request-sync"}`, string(data))
}

func TestDecodeClient_RoundTrip(t *testing.T) {
	off := int64(1024)
	frames := []protocol.ClientFrame{
		&protocol.Input{Data: "ls -la\n"},
		&protocol.Resize{Cols: 120, Rows: 40},
		&protocol.RequestHistory{FromOffset: &off},
		&protocol.UserMessage{Content: "fix the bug"},
		&protocol.Cancel{},
		&protocol.Refresh{},
		&protocol.SetBaseCommit{Ref: "main"},
		&protocol.SetTargetCommit{Ref: protocol.TargetWorkingDir},
		&protocol.RequestExpand{Path: "main.go", StartLine: 3, EndLine: 9},
	}

	for _, f := range frames {
		data, err := protocol.EncodeClient(f)
		require.NoError(t, err)

		got, err := protocol.DecodeClient(data)
		require.NoError(t, err, "frame %s", string(data))
		assert.Equal(t, f, got)
	}
}

func TestDecodeClient_UnknownType(t *testing.T) {
	_, err := protocol.DecodeClient([]byte(`{"type":"mystery","x":1}`))
	var invalid *protocol.InvalidMessageError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "mystery")
}

func TestDecodeClient_MalformedJSON(t *testing.T) {
	_, err := protocol.DecodeClient([]byte(`{"type":`))
	var invalid *protocol.InvalidMessageError
	require.ErrorAs(t, err, &invalid)
}

func TestDecodeClient_MissingType(t *testing.T) {
	_, err := protocol.DecodeClient([]byte(`{"data":"x"}`))
	var invalid *protocol.InvalidMessageError
	require.ErrorAs(t, err, &invalid)
}

func TestDecodeClient_UnknownFieldsIgnored(t *testing.T) {
	f, err := protocol.DecodeClient([]byte(`{"type":"input","data":"x","extra":true}`))
	require.NoError(t, err)
	assert.Equal(t, &protocol.Input{Data: "x"}, f)
}

func TestDecodeClient_ResizeValidation(t *testing.T) {
	for _, bad := range []string{
		`{"type":"resize","cols":0,"rows":24}`,
		`{"type":"resize","cols":80,"rows":-1}`,
		`{"type":"resize","cols":99999,"rows":24}`,
		`{"type":"resize"}`,
	} {
		_, err := protocol.DecodeClient([]byte(bad))
		var invalid *protocol.InvalidMessageError
		require.ErrorAs(t, err, &invalid, "frame: %s", bad)
	}
}

func TestDecodeClient_ImageValidation(t *testing.T) {
	_, err := protocol.DecodeClient([]byte(`{"type":"image","data":"aGk=","mimeType":"text/plain"}`))
	var invalid *protocol.InvalidMessageError
	require.ErrorAs(t, err, &invalid)

	_, err = protocol.DecodeClient([]byte(`{"type":"image","data":"aGk=","mimeType":"image/png"}`))
	require.NoError(t, err)
}

func TestDecodeClient_RefValidation(t *testing.T) {
	for _, bad := range []string{
		`{"type":"set-base-commit","ref":""}`,
		`{"type":"set-base-commit","ref":"--upload-pack=evil"}`,
		`{"type":"set-base-commit","ref":"a b"}`,
		`{"type":"set-target-commit","ref":"-x"}`,
	} {
		_, err := protocol.DecodeClient([]byte(bad))
		var invalid *protocol.InvalidMessageError
		require.ErrorAs(t, err, &invalid, "frame: %s", bad)
	}

	f, err := protocol.DecodeClient([]byte(`{"type":"set-target-commit","ref":"working-dir"}`))
	require.NoError(t, err)
	assert.Equal(t, &protocol.SetTargetCommit{Ref: protocol.TargetWorkingDir}, f)
}

func TestDecodeClient_ExpandValidation(t *testing.T) {
	_, err := protocol.DecodeClient([]byte(`{"type":"request-expand","path":"../../etc/passwd","startLine":1,"endLine":2}`))
	var invalid *protocol.InvalidMessageError
	require.ErrorAs(t, err, &invalid)

	_, err = protocol.DecodeClient([]byte(`{"type":"request-expand","path":"a.go","startLine":5,"endLine":4}`))
	require.ErrorAs(t, err, &invalid)
}

func TestDecodeServer_RoundTrip(t *testing.T) {
	sig := "SIGTERM"
	frames := []protocol.ServerFrame{
		&protocol.History{Data: "hello", Offset: 5, ServerID: "sv-abc", Truncated: false},
		&protocol.Output{Data: "world", Offset: 10},
		&protocol.Activity{State: "asking"},
		&protocol.Exit{ExitCode: 1, Signal: &sig},
		&protocol.Error{Message: "gone", Code: protocol.CodeWorkerExited},
		&protocol.DiffError{Error: "bad ref"},
		&protocol.ServerRestarted{ServerPID: 1234},
	}
	for _, f := range frames {
		data, err := protocol.Encode(f)
		require.NoError(t, err)
		got, err := protocol.DecodeServer(data)
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
}

func TestExit_NullSignalOnWire(t *testing.T) {
	data, err := protocol.Encode(protocol.Exit{ExitCode: 0})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"signal":null`)
}

func TestSessionsSync_Shape(t *testing.T) {
	data, err := protocol.Encode(protocol.SessionsSync{
		Sessions: []protocol.Session{{
			ID:           "s1",
			Type:         protocol.SessionQuick,
			LocationPath: "/tmp/s1",
			Status:       protocol.SessionActive,
			Workers: []protocol.Worker{
				{ID: "w1", Type: protocol.WorkerTerminal, Name: "shell"},
			},
		}},
		ActivityStates: []protocol.ActivityEntry{
			{SessionID: "s1", WorkerID: "w1", ActivityState: "idle"},
		},
	})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "sessions-sync", m["type"])
	require.Len(t, m["sessions"], 1)
	require.Len(t, m["activityStates"], 1)
}

func TestDecodeClient_OversizedFrame(t *testing.T) {
	huge := `{"type":"input","data":"` + strings.Repeat("a", 13*1024*1024) + `"}`
	_, err := protocol.DecodeClient([]byte(huge))
	var invalid *protocol.InvalidMessageError
	require.ErrorAs(t, err, &invalid)
}
