// ABOUTME: Tests for inbound event decoding and outbound envelope encoding
// ABOUTME: Covers discriminator dispatch, field validation and message identity fields

package wire

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

func TestDecode_Types(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Inbound
	}{
		{
			name:  "visitor joined",
			frame: `{"type":"visitor-joined","conversationId":"c1","displayName":"Ada","origin":"https://example.com","afterSeq":4}`,
			want:  &VisitorJoined{ConversationID: "c1", DisplayName: "Ada", Origin: "https://example.com", AfterSeq: 4},
		},
		{
			name:  "agent joined",
			frame: `{"type":"agent-joined","agentIdentity":"Sarah (Support)"}`,
			want:  &AgentJoined{AgentIdentity: "Sarah (Support)"},
		},
		{
			name:  "visitor message",
			frame: `{"type":"visitor-message","conversationId":"c1","body":"hi","clientMsgId":"m1"}`,
			want:  &VisitorMessage{ConversationID: "c1", Body: "hi", ClientMsgID: "m1"},
		},
		{
			name:  "agent message",
			frame: `{"type":"agent-message","conversationId":"c1","body":"hello","agentIdentity":"Mike (Sales)"}`,
			want:  &AgentMessage{ConversationID: "c1", Body: "hello", AgentIdentity: "Mike (Sales)"},
		},
		{
			name:  "typing",
			frame: `{"type":"typing","conversationId":"c1","active":true}`,
			want:  &Typing{ConversationID: "c1", Active: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_AutomationToggle(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"automation-toggle","conversationId":"c1","active":false}`))
	require.NoError(t, err)

	toggle, ok := ev.(*AutomationToggle)
	require.True(t, ok)
	require.NotNil(t, toggle.Active)
	assert.False(t, *toggle.Active)

	_, err = Decode([]byte(`{"type":"automation-toggle","conversationId":"c1"}`))
	assert.ErrorIs(t, err, ErrInvalidEvent, "missing active must not default to false")
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"missing type", `{"conversationId":"c1"}`},
		{"unknown type", `{"type":"shout","conversationId":"c1"}`},
		{"missing conversation", `{"type":"visitor-message","body":"hi"}`},
		{"blank body", `{"type":"visitor-message","conversationId":"c1","body":"   "}`},
		{"negative afterSeq", `{"type":"visitor-joined","conversationId":"c1","afterSeq":-1}`},
		{"wrong field type", `{"type":"typing","conversationId":"c1","active":"yes"}`},
		{"long conversation id", `{"type":"typing","conversationId":"` + strings.Repeat("x", MaxIDLength+1) + `"}`},
		{"long body", `{"type":"agent-message","conversationId":"c1","body":"` + strings.Repeat("x", MaxBodyLength+1) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestNewMessage_Encoding(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := NewMessage(&store.Message{
		ConversationID: "c1",
		Seq:            3,
		Author:         store.Agent{Identity: "John (Technical)"},
		Body:           "on it",
		CreatedAt:      ts,
	})
	assert.Equal(t, TypeMessage, env.Type)

	data, err := env.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "message", decoded["type"])
	assert.Equal(t, "c1", decoded["conversationId"])
	assert.EqualValues(t, 3, decoded["sequenceNumber"])
	assert.Equal(t, "agent", decoded["sender"])
	assert.Equal(t, "John (Technical)", decoded["agentIdentity"])
	assert.Equal(t, "2026-01-02T03:04:05Z", decoded["timestamp"])

	again, err := env.Encode()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestNewMessage_OmitsIdentityForNonAgents(t *testing.T) {
	env := NewMessage(&store.Message{ConversationID: "c1", Seq: 1, Author: store.Automation{}, Body: "hello"})

	data, err := env.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "agentIdentity")
	assert.Contains(t, string(data), `"sender":"automation"`)
}

func TestNewError(t *testing.T) {
	data, err := NewError(CodeUnknownConversation, "no such conversation", "m1").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"unknown_conversation","message":"no such conversation","clientMsgId":"m1"}`, string(data))
}

func TestNewAck(t *testing.T) {
	data, err := NewAck(&store.Message{ConversationID: "c1", Seq: 9, ClientMsgID: "m1"}, true).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack","conversationId":"c1","clientMsgId":"m1","sequenceNumber":9,"duplicate":true}`, string(data))
}
