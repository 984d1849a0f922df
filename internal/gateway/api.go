// ABOUTME: HTTP API handlers for conversation listing, history and handoff control
// ABOUTME: Agent-only routes sit behind JWT middleware when a secret is configured

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxRequestBytes  = 4096
)

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name,omitempty"`
	PageURL          string `json:"page_url,omitempty"`
	Status           string `json:"status"`
	AutomationActive bool   `json:"automation_active"`
	LastSeq          int64  `json:"last_seq"`
	VisitorOnline    bool   `json:"visitor_online"`
	CreatedAt        string `json:"created_at"`
	LastActivityAt   string `json:"last_activity_at"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
	AgentsOnline  []string               `json:"agents_online"`
}

// MessageResponse is the JSON form of a stored message.
type MessageResponse struct {
	SequenceNumber int64  `json:"sequence_number"`
	Sender         string `json:"sender"`
	AgentIdentity  string `json:"agent_identity,omitempty"`
	Body           string `json:"body"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// ConversationMessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type ConversationMessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// SetDisplayNameRequest is the JSON request body for POST /api/conversations/{id}/name.
type SetDisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

// SetAutomationRequest is the JSON request body for POST /api/conversations/{id}/automation.
type SetAutomationRequest struct {
	Active *bool `json:"active"`
}

// registerAPIRoutes registers the REST routes, guarding agent-only ones with
// JWT middleware when auth is enabled.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	agentOnly := func(h http.HandlerFunc) http.Handler { return h }
	if g.verifier != nil {
		middleware := auth.HTTPAuthMiddleware(g.verifier)
		agentOnly = func(h http.HandlerFunc) http.Handler { return middleware(h) }
	}

	mux.Handle("GET /api/conversations", agentOnly(g.handleListConversations))
	mux.Handle("POST /api/conversations/{id}/automation", agentOnly(g.handleSetAutomation))

	// The conversation id is the visitor's only credential.
	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", g.handleConversationMessages)
	mux.HandleFunc("POST /api/conversations/{id}/name", g.handleSetDisplayName)
}

// handleListConversations handles GET /api/conversations?limit=N.
// Conversations are ordered by most recent activity.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	convs, err := g.conversation.Conversations(r.Context(), limit)
	if err != nil {
		g.sendStoreError(w, "failed to list conversations", err)
		return
	}

	response := ListConversationsResponse{
		Conversations: make([]ConversationResponse, len(convs)),
		AgentsOnline:  g.registry.AgentIdentities(),
	}
	for i, conv := range convs {
		response.Conversations[i] = g.conversationResponse(conv)
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendStoreError(w, "failed to get conversation", err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.conversationResponse(conv))
}

// handleConversationMessages handles GET /api/conversations/{id}/messages?after=N&limit=M.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var after int64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || parsed < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = parsed
	}
	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	messages, err := g.conversation.History(r.Context(), id, after, limit)
	if err != nil {
		g.sendStoreError(w, "failed to list messages", err)
		return
	}

	response := ConversationMessagesResponse{
		ConversationID: id,
		Messages:       make([]MessageResponse, len(messages)),
	}
	for i, msg := range messages {
		response.Messages[i] = MessageResponse{
			SequenceNumber: msg.Seq,
			Sender:         string(msg.Author.Sender()),
			AgentIdentity:  store.AgentIdentity(msg.Author),
			Body:           msg.Body,
			ClientMsgID:    msg.ClientMsgID,
			CreatedAt:      msg.CreatedAt.Format(time.RFC3339Nano),
		}
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleSetDisplayName handles POST /api/conversations/{id}/name.
func (g *Gateway) handleSetDisplayName(w http.ResponseWriter, r *http.Request) {
	var req SetDisplayNameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	if utf8.RuneCountInString(name) > wire.MaxNameLength {
		g.sendJSONError(w, http.StatusBadRequest, "display_name is too long")
		return
	}

	if err := g.conversation.SetDisplayName(r.Context(), r.PathValue("id"), name); err != nil {
		g.sendStoreError(w, "failed to set display name", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetAutomation handles POST /api/conversations/{id}/automation.
// It behaves exactly like an automation-toggle websocket event.
func (g *Gateway) handleSetAutomation(w http.ResponseWriter, r *http.Request) {
	var req SetAutomationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Active == nil {
		g.sendJSONError(w, http.StatusBadRequest, "active is required")
		return
	}

	id := r.PathValue("id")
	if err := g.conversation.ToggleAutomation(r.Context(), id, *req.Active); err != nil {
		g.sendStoreError(w, "failed to toggle automation", err)
		return
	}
	if agent := auth.FromContext(r.Context()); agent != nil {
		g.logger.Info("automation set over HTTP", "conversation_id", id, "agent_identity", agent.Identity, "active", *req.Active)
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"conversation_id":   id,
		"automation_active": *req.Active,
	})
}

func (g *Gateway) conversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:               conv.ID,
		DisplayName:      conv.DisplayName,
		PageURL:          conv.PageURL,
		Status:           string(conv.Status),
		AutomationActive: conv.AutomationActive,
		LastSeq:          conv.LastSeq,
		VisitorOnline:    g.registry.VisitorOnline(conv.ID),
		CreatedAt:        conv.CreatedAt.Format(time.RFC3339),
		LastActivityAt:   conv.LastActivity.Format(time.RFC3339),
	}
}

// parseLimit reads ?limit=N (default 50, max 1000), writing a 400 on bad input.
func (g *Gateway) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, false
		}
		limit = min(parsed, maxListLimit)
	}
	return limit, true
}

// sendStoreError maps a store error to an HTTP status.
func (g *Gateway) sendStoreError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrUnknownConversation):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrUnavailable):
		g.logger.Error(msg, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		g.logger.Error(msg, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
