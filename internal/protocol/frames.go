package protocol

// Error codes carried in error frames.
const (
	CodeWorkerNotFound    = "WORKER_NOT_FOUND"
	CodeWorkerExited      = "WORKER_EXITED"
	CodeHistoryLoadFailed = "HISTORY_LOAD_FAILED"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodePTYBackpressure   = "PTY_BACKPRESSURE"
	CodeCancelFailed      = "CANCEL_FAILED"
	CodeDiffBadRef        = "DIFF_BAD_REF"
	CodeSpawnFailed       = "SPAWN_FAILED"
)

// ServerFrame is implemented by every server-to-client frame.
type ServerFrame interface {
	frameType() string
}

// --- App channel, server → client ---

type SessionsSync struct {
	Sessions       []Session       `json:"sessions"`
	ActivityStates []ActivityEntry `json:"activityStates"`
}

type SessionCreated struct {
	Session Session `json:"session"`
}

type SessionUpdated struct {
	Session Session `json:"session"`
}

type SessionDeleted struct {
	SessionID string `json:"sessionId"`
}

type WorkerActivity struct {
	SessionID     string `json:"sessionId"`
	WorkerID      string `json:"workerId"`
	ActivityState string `json:"activityState"`
}

type AgentsSync struct {
	Agents []AgentDefinition `json:"agents"`
}

type AgentCreated struct {
	Agent AgentDefinition `json:"agent"`
}

type AgentUpdated struct {
	Agent AgentDefinition `json:"agent"`
}

type AgentDeleted struct {
	AgentID string `json:"agentId"`
}

// --- Worker channel, server → client ---

type History struct {
	Data      string `json:"data"`
	Offset    int64  `json:"offset"`
	ServerID  string `json:"serverId"`
	Truncated bool   `json:"truncated"`
}

type Output struct {
	Data   string `json:"data"`
	Offset int64  `json:"offset"`
}

type Activity struct {
	State string `json:"state"`
}

type Exit struct {
	ExitCode int     `json:"exitCode"`
	Signal   *string `json:"signal"`
}

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type SDKMessageFrame struct {
	Message SDKMessage `json:"message"`
}

type MessageHistory struct {
	Messages []SDKMessage `json:"messages"`
	LastUUID *string      `json:"lastUuid"`
}

type ServerRestarted struct {
	ServerPID int `json:"serverPid"`
}

type DiffData struct {
	Data DiffPayload `json:"data"`
}

type DiffError struct {
	Error string `json:"error"`
}

type DiffExpand struct {
	Path      string   `json:"path"`
	StartLine int      `json:"startLine"`
	EndLine   int      `json:"endLine"`
	Lines     []string `json:"lines"`
}

func (SessionsSync) frameType() string    { return "sessions-sync" }
func (SessionCreated) frameType() string  { return "session-created" }
func (SessionUpdated) frameType() string  { return "session-updated" }
func (SessionDeleted) frameType() string  { return "session-deleted" }
func (WorkerActivity) frameType() string  { return "worker-activity" }
func (AgentsSync) frameType() string      { return "agents-sync" }
func (AgentCreated) frameType() string    { return "agent-created" }
func (AgentUpdated) frameType() string    { return "agent-updated" }
func (AgentDeleted) frameType() string    { return "agent-deleted" }
func (History) frameType() string         { return "history" }
func (Output) frameType() string          { return "output" }
func (Activity) frameType() string        { return "activity" }
func (Exit) frameType() string            { return "exit" }
func (Error) frameType() string           { return "error" }
func (SDKMessageFrame) frameType() string { return "sdk-message" }
func (MessageHistory) frameType() string  { return "message-history" }
func (ServerRestarted) frameType() string { return "server-restarted" }
func (DiffData) frameType() string        { return "diff-data" }
func (DiffError) frameType() string       { return "diff-error" }
func (DiffExpand) frameType() string      { return "diff-expand" }

// --- Client → server ---

// ClientFrame is implemented by every client-to-server frame.
type ClientFrame interface {
	clientFrameType() string
	validate() error
}

type RequestSync struct{}

type Input struct {
	Data string `json:"data"`
}

type Resize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type Image struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mimeType"`
}

type RequestHistory struct {
	FromOffset *int64 `json:"fromOffset,omitempty"`
}

type UserMessage struct {
	Content string `json:"content"`
}

type Cancel struct{}

type RequestSDKHistory struct {
	LastUUID *string `json:"lastUuid,omitempty"`
}

type Refresh struct{}

type SetBaseCommit struct {
	Ref string `json:"ref"`
}

type SetTargetCommit struct {
	Ref string `json:"ref"`
}

type RequestExpand struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

func (RequestSync) clientFrameType() string       { return "request-sync" }
func (Input) clientFrameType() string             { return "input" }
func (Resize) clientFrameType() string            { return "resize" }
func (Image) clientFrameType() string             { return "image" }
func (RequestHistory) clientFrameType() string    { return "request-history" }
func (UserMessage) clientFrameType() string       { return "user-message" }
func (Cancel) clientFrameType() string            { return "cancel" }
func (RequestSDKHistory) clientFrameType() string { return "request-sdk-history" }
func (Refresh) clientFrameType() string           { return "refresh" }
func (SetBaseCommit) clientFrameType() string     { return "set-base-commit" }
func (SetTargetCommit) clientFrameType() string   { return "set-target-commit" }
func (RequestExpand) clientFrameType() string     { return "request-expand" }
