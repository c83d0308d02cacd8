// Package api exposes the session management surface as JSON over HTTP.
// It shares a listener with the WebSocket hub; the WS channels carry
// streams while this package carries one-shot commands.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/termdeck/termdeck/internal/agentdef"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/registry"
	"github.com/termdeck/termdeck/internal/store"
)

type Handler struct {
	reg     *registry.Registry
	catalog *agentdef.Catalog
}

func New(reg *registry.Registry, catalog *agentdef.Catalog) *Handler {
	return &Handler{reg: reg, catalog: catalog}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{sessionID}", h.getSession)
	mux.HandleFunc("PATCH /api/sessions/{sessionID}", h.updateSession)
	mux.HandleFunc("DELETE /api/sessions/{sessionID}", h.deleteSession)
	mux.HandleFunc("POST /api/sessions/{sessionID}/workers/{workerID}/restart", h.restartWorker)
	mux.HandleFunc("GET /api/agents", h.listAgents)
}

type createSessionRequest struct {
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

type updateSessionRequest struct {
	Title         *string `json:"title,omitempty"`
	InitialPrompt *string `json:"initialPrompt,omitempty"`
}

type restartWorkerRequest struct {
	AgentID              string `json:"agentId,omitempty"`
	Branch               string `json:"branch,omitempty"`
	ContinueConversation bool   `json:"continueConversation,omitempty"`
}

type sessionList struct {
	Sessions       []protocol.Session       `json:"sessions"`
	ActivityStates []protocol.ActivityEntry `json:"activityStates"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	sess, err := h.reg.Create(r.Context(), registry.CreateSpec{
		Type:           protocol.SessionType(req.Type),
		LocationPath:   req.LocationPath,
		RepositoryPath: req.RepositoryPath,
		Branch:         req.Branch,
		BaseRef:        req.BaseRef,
		Title:          req.Title,
		InitialPrompt:  req.InitialPrompt,
		AgentID:        req.AgentID,
		UseSDK:         req.UseSDK,
		WithTerminal:   req.WithTerminal,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, states := h.reg.ListWithActivity()
	writeJSON(w, http.StatusOK, sessionList{Sessions: sessions, ActivityStates: states})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.reg.Get(r.PathValue("sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) updateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	sess, err := h.reg.Update(r.Context(), r.PathValue("sessionID"), registry.UpdatePatch{
		Title:         req.Title,
		InitialPrompt: req.InitialPrompt,
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Delete(r.Context(), r.PathValue("sessionID")); err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) restartWorker(w http.ResponseWriter, r *http.Request) {
	var req restartWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	err := h.reg.RestartAgent(r.Context(), r.PathValue("sessionID"), r.PathValue("workerID"), registry.RestartSpec{
		AgentID:              req.AgentID,
		Branch:               req.Branch,
		ContinueConversation: req.ContinueConversation,
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]protocol.AgentDefinition{
		"agents": h.catalog.List(),
	})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api response write failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
