// Package protocol defines the JSON wire types exchanged over the app
// and worker WebSocket channels, plus the shared model records they
// carry. Every frame is a UTF-8 JSON object with a "type" discriminant.
package protocol

import "encoding/json"

// SessionType distinguishes how a session's working directory came to be.
type SessionType string

const (
	SessionQuick    SessionType = "quick"
	SessionWorktree SessionType = "worktree"
)

// SessionStatus is the coarse liveness of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionExited SessionStatus = "exited"
)

// WorkerType selects the engine variant backing a worker.
type WorkerType string

const (
	WorkerTerminal WorkerType = "terminal"
	WorkerAgent    WorkerType = "agent"
	WorkerGitDiff  WorkerType = "git-diff"
)

// Session is the wire representation of a session and its workers.
// Worker order is insertion order and is stable across restarts.
type Session struct {
	ID            string        `json:"id"`
	Type          SessionType   `json:"type"`
	LocationPath  string        `json:"locationPath"`
	RepositoryID  string        `json:"repositoryId,omitempty"`
	WorktreeID    string        `json:"worktreeId,omitempty"`
	Status        SessionStatus `json:"status"`
	CreatedAt     int64         `json:"createdAt"` // unix milliseconds
	Title         string        `json:"title,omitempty"`
	InitialPrompt string        `json:"initialPrompt,omitempty"`
	Workers       []Worker      `json:"workers"`
}

// Worker is the wire representation of one worker.
type Worker struct {
	ID        string     `json:"id"`
	Type      WorkerType `json:"type"`
	Name      string     `json:"name"`
	CreatedAt int64      `json:"createdAt"`
	Activated bool       `json:"activated"`

	// agent workers only.
	AgentID string `json:"agentId,omitempty"`
	UseSDK  bool   `json:"useSdk,omitempty"`

	// git-diff workers only.
	BaseCommit string `json:"baseCommit,omitempty"`
	TargetRef  string `json:"targetRef,omitempty"`
}

// ActivityEntry pairs a worker with its current activity state inside a
// sessions-sync frame.
type ActivityEntry struct {
	SessionID     string `json:"sessionId"`
	WorkerID      string `json:"workerId"`
	ActivityState string `json:"activityState"`
}

// AgentCapabilities advertises what an agent's CLI supports.
type AgentCapabilities struct {
	SupportsContinue          bool `json:"supportsContinue"`
	SupportsHeadlessMode      bool `json:"supportsHeadlessMode"`
	SupportsActivityDetection bool `json:"supportsActivityDetection"`
}

// AgentActivityPatterns holds the regexes the activity detector matches
// against visible terminal output.
type AgentActivityPatterns struct {
	AskingPatterns []string `json:"askingPatterns,omitempty"`
}

// AgentDefinition is an externally supplied agent template. The server
// reads it to build an agent worker's command line and detector.
type AgentDefinition struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	CommandTemplate  string                `json:"commandTemplate"`
	ContinueTemplate string                `json:"continueTemplate,omitempty"`
	HeadlessTemplate string                `json:"headlessTemplate,omitempty"`
	ActivityPatterns AgentActivityPatterns `json:"activityPatterns"`
	AgentType        string                `json:"agentType,omitempty"`
	Capabilities     AgentCapabilities     `json:"capabilities"`
}

// DiffFile is one entry of a diff summary.
type DiffFile struct {
	Path       string `json:"path"`
	OldPath    string `json:"oldPath,omitempty"`
	Status     string `json:"status"` // added | modified | deleted | renamed | copied
	Additions  int    `json:"additions"`
	Deletions  int    `json:"deletions"`
	IsBinary   bool   `json:"isBinary"`
	StageState string `json:"stageState"` // staged | unstaged | partial
}

// DiffSummary is the per-file breakdown of a computed diff.
type DiffSummary struct {
	Files          []DiffFile `json:"files"`
	TotalAdditions int        `json:"totalAdditions"`
	TotalDeletions int        `json:"totalDeletions"`
	BaseCommit     string     `json:"baseCommit"`
	TargetRef      string     `json:"targetRef"`
}

// DiffPayload is the body of a diff-data frame.
type DiffPayload struct {
	Summary DiffSummary `json:"summary"`
	RawDiff string      `json:"rawDiff"`
}

// SDKMessage is one structured message of an SDK-mode agent transcript.
// The payload is the agent's NDJSON line, passed through untouched.
type SDKMessage struct {
	UUID    string          `json:"uuid"`
	Role    string          `json:"role"` // user | assistant | system | result
	Payload json.RawMessage `json:"payload"`
}

// TargetWorkingDir and TargetHead are the symbolic target refs of a
// git-diff worker; anything else is a commit hash.
const (
	TargetWorkingDir = "working-dir"
	TargetHead       = "HEAD"
)
