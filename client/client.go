// Package client is a Go client for a termdeck server: session CRUD
// over the HTTP API plus app and worker WebSocket channels with a
// reconnecting attach loop. The CLI and integration tests build on it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/termdeck/termdeck/internal/protocol"
)

// Client talks to one termdeck server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for a server reachable over TCP, e.g.
// "http://127.0.0.1:7070".
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// NewUnix returns a client that dials the server's Unix domain socket.
func NewUnix(socketPath string) *Client {
	return &Client{
		baseURL: "http://termdeck",
		http: &http.Client{Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		}},
	}
}

// CreateSessionRequest mirrors POST /api/sessions.
type CreateSessionRequest struct {
	Type           string `json:"type"`
	LocationPath   string `json:"locationPath,omitempty"`
	RepositoryPath string `json:"repositoryPath,omitempty"`
	Branch         string `json:"branch,omitempty"`
	BaseRef        string `json:"baseRef,omitempty"`
	Title          string `json:"title,omitempty"`
	InitialPrompt  string `json:"initialPrompt,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	UseSDK         bool   `json:"useSdk,omitempty"`
	WithTerminal   bool   `json:"withTerminal,omitempty"`
}

// SessionList is the GET /api/sessions response.
type SessionList struct {
	Sessions       []protocol.Session       `json:"sessions"`
	ActivityStates []protocol.ActivityEntry `json:"activityStates"`
}

// RestartWorkerRequest mirrors the worker restart endpoint.
type RestartWorkerRequest struct {
	AgentID              string `json:"agentId,omitempty"`
	Branch               string `json:"branch,omitempty"`
	ContinueConversation bool   `json:"continueConversation,omitempty"`
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (protocol.Session, error) {
	var sess protocol.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions", req, &sess)
	return sess, err
}

func (c *Client) ListSessions(ctx context.Context) (SessionList, error) {
	var list SessionList
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &list)
	return list, err
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (protocol.Session, error) {
	var sess protocol.Session
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil, &sess)
	return sess, err
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+sessionID, nil, nil)
}

func (c *Client) RestartWorker(ctx context.Context, sessionID, workerID string, req RestartWorkerRequest) error {
	path := fmt.Sprintf("/api/sessions/%s/workers/%s/restart", sessionID, workerID)
	return c.do(ctx, http.MethodPost, path, req, nil)
}

func (c *Client) Agents(ctx context.Context) ([]protocol.AgentDefinition, error) {
	var out struct {
		Agents []protocol.AgentDefinition `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &out)
	return out.Agents, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
