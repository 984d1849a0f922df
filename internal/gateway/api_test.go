// ABOUTME: Tests for the conversation REST API
// ABOUTME: Exercises routing, auth guarding, error mapping and handoff control over HTTP

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/store"
)

const testSecret = "test-secret-key-for-jwt-signing!"

// seedConversation creates a conversation with one visitor message.
func seedConversation(t *testing.T, gw *Gateway, id string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := gw.store.CreateConversation(ctx, id, store.Origin{DisplayName: "Ada", PageURL: "https://example.com/pricing"})
	require.NoError(t, err)
	_, err = gw.store.AppendMessage(ctx, &store.NewMessage{
		ConversationID: id,
		Author:         store.Visitor{},
		Body:           "hello",
		ClientMsgID:    "c-1",
	})
	require.NoError(t, err)
}

func doRequest(t *testing.T, gw *Gateway, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func agentToken(t *testing.T, identity string) string {
	t.Helper()
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("agent-1", identity, time.Hour)
	require.NoError(t, err)
	return token
}

func TestHandleListConversations(t *testing.T) {
	gw := newTestGateway(t, nil, "")
	seedConversation(t, gw, "conv-a")
	seedConversation(t, gw, "conv-b")

	rec := doRequest(t, gw, http.MethodGet, "/api/conversations", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ListConversationsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 2)
	for _, c := range resp.Conversations {
		assert.True(t, c.AutomationActive)
		assert.Equal(t, "new", c.Status)
		assert.Equal(t, int64(1), c.LastSeq)
		assert.False(t, c.VisitorOnline)
	}
	assert.Empty(t, resp.AgentsOnline)
}

func TestHandleListConversations_Limit(t *testing.T) {
	gw := newTestGateway(t, nil, "")
	seedConversation(t, gw, "conv-a")
	seedConversation(t, gw, "conv-b")

	rec := doRequest(t, gw, http.MethodGet, "/api/conversations?limit=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListConversationsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Conversations, 1)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations?limit=zero", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "limit must be a positive integer")
}

func TestHandleListConversations_RequiresAgentToken(t *testing.T) {
	gw := newTestGateway(t, nil, testSecret)
	seedConversation(t, gw, "conv-a")

	rec := doRequest(t, gw, http.MethodGet, "/api/conversations", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations", "", agentToken(t, "Sarah (Support)"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGetConversation(t *testing.T) {
	gw := newTestGateway(t, nil, testSecret)
	seedConversation(t, gw, "conv-a")

	// Visitors read their own conversation without a token.
	rec := doRequest(t, gw, http.MethodGet, "/api/conversations/conv-a", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConversationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "conv-a", resp.ID)
	assert.Equal(t, "Ada", resp.DisplayName)
	assert.Equal(t, "https://example.com/pricing", resp.PageURL)
}

func TestHandleGetConversation_NotFound(t *testing.T) {
	gw := newTestGateway(t, nil, "")

	rec := doRequest(t, gw, http.MethodGet, "/api/conversations/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "conversation not found")
}

func TestHandleConversationMessages(t *testing.T) {
	gw := newTestGateway(t, nil, "")
	seedConversation(t, gw, "conv-a")
	_, err := gw.store.AppendMessage(context.Background(), &store.NewMessage{
		ConversationID: "conv-a",
		Author:         store.Agent{Identity: "Sarah (Support)"},
		Body:           "hi Ada",
	})
	require.NoError(t, err)

	rec := doRequest(t, gw, http.MethodGet, "/api/conversations/conv-a/messages", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConversationMessagesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "conv-a", resp.ConversationID)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, int64(1), resp.Messages[0].SequenceNumber)
	assert.Equal(t, "visitor", resp.Messages[0].Sender)
	assert.Equal(t, "c-1", resp.Messages[0].ClientMsgID)
	assert.Equal(t, "agent", resp.Messages[1].Sender)
	assert.Equal(t, "Sarah (Support)", resp.Messages[1].AgentIdentity)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/conv-a/messages?after=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = ConversationMessagesResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, int64(2), resp.Messages[0].SequenceNumber)
}

func TestHandleConversationMessages_BadParams(t *testing.T) {
	gw := newTestGateway(t, nil, "")
	seedConversation(t, gw, "conv-a")

	rec := doRequest(t, gw, http.MethodGet, "/api/conversations/conv-a/messages?after=-1", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/conversations/unknown/messages", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSetDisplayName_StoreUnavailable(t *testing.T) {
	gw := newTestGateway(t, nil, "")
	seedConversation(t, gw, "conv-a")

	mock := gw.store.(*store.MockStore)
	mock.FailWrites(store.ErrUnavailable)

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/conv-a/name", `{"display_name":"Grace"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store unavailable")
}

func TestHandleSetDisplayName(t *testing.T) {
	gw := newTestGateway(t, nil, "")
	seedConversation(t, gw, "conv-a")

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/conv-a/name", `{"display_name":"  Grace  "}`, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	conv, err := gw.store.GetConversation(context.Background(), "conv-a")
	require.NoError(t, err)
	assert.Equal(t, "Grace", conv.DisplayName)
}

func TestHandleSetDisplayName_Validation(t *testing.T) {
	gw := newTestGateway(t, nil, "")
	seedConversation(t, gw, "conv-a")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"empty name", `{"display_name":"   "}`, http.StatusBadRequest},
		{"too long", `{"display_name":"` + strings.Repeat("x", 101) + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, http.MethodPost, "/api/conversations/conv-a/name", tt.body, "")
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/missing/name", `{"display_name":"Grace"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSetAutomation(t *testing.T) {
	gw := newTestGateway(t, nil, testSecret)
	seedConversation(t, gw, "conv-a")
	token := agentToken(t, "Sarah (Support)")

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/conv-a/automation", `{"active":false}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/conv-a/automation", `{"active":false}`, token)
	require.Equal(t, http.StatusOK, rec.Code)
	active, err := gw.store.GetAutomationFlag(context.Background(), "conv-a")
	require.NoError(t, err)
	assert.False(t, active)

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/conv-a/automation", `{"active":true}`, token)
	require.Equal(t, http.StatusOK, rec.Code)
	active, err = gw.store.GetAutomationFlag(context.Background(), "conv-a")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestHandleSetAutomation_Validation(t *testing.T) {
	gw := newTestGateway(t, nil, "")
	seedConversation(t, gw, "conv-a")

	rec := doRequest(t, gw, http.MethodPost, "/api/conversations/conv-a/automation", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "active is required")

	rec = doRequest(t, gw, http.MethodPost, "/api/conversations/missing/automation", `{"active":true}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIMethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t, nil, "")

	rec := doRequest(t, gw, http.MethodDelete, "/api/conversations/conv-a", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
