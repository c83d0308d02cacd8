package protocol

import "encoding/json"

// DecodeServer parses one server frame. Used by the client library and
// tests; server frames are trusted, so there is no per-field validation
// beyond shape.
func DecodeServer(data []byte) (ServerFrame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalidf("malformed JSON: %v", err)
	}

	var f ServerFrame
	switch env.Type {
	case "sessions-sync":
		f = &SessionsSync{}
	case "session-created":
		f = &SessionCreated{}
	case "session-updated":
		f = &SessionUpdated{}
	case "session-deleted":
		f = &SessionDeleted{}
	case "worker-activity":
		f = &WorkerActivity{}
	case "agents-sync":
		f = &AgentsSync{}
	case "agent-created":
		f = &AgentCreated{}
	case "agent-updated":
		f = &AgentUpdated{}
	case "agent-deleted":
		f = &AgentDeleted{}
	case "history":
		f = &History{}
	case "output":
		f = &Output{}
	case "activity":
		f = &Activity{}
	case "exit":
		f = &Exit{}
	case "error":
		f = &Error{}
	case "sdk-message":
		f = &SDKMessageFrame{}
	case "message-history":
		f = &MessageHistory{}
	case "server-restarted":
		f = &ServerRestarted{}
	case "diff-data":
		f = &DiffData{}
	case "diff-error":
		f = &DiffError{}
	case "diff-expand":
		f = &DiffExpand{}
	default:
		return nil, invalidf("unknown type %q", env.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, invalidf("malformed %s frame: %v", env.Type, err)
	}
	return f, nil
}
