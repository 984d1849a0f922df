// ABOUTME: Outbound websocket envelopes delivered to visitors and agents
// ABOUTME: Envelopes encode once and are shared across every recipient of a broadcast

package wire

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// Outbound event types
const (
	TypeMessage                Type = "message"
	TypeAutomationStateChanged Type = "automation-state-changed"
	TypePresence               Type = "presence"
	TypeAck                    Type = "ack"
	TypeError                  Type = "error"
)

// Error codes sent in error envelopes.
const (
	CodeUnknownConversation = "unknown_conversation"
	CodeStoreUnavailable    = "store_unavailable"
	CodeInvalidEvent        = "invalid_event"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeSessionReplaced     = "session_replaced"
)

// Envelope is one outbound frame. Payload is the JSON body including its type.
type Envelope struct {
	Type    Type
	Payload any

	once    sync.Once
	encoded []byte
	err     error
}

// Encode returns the JSON encoding of the payload, computed once.
func (e *Envelope) Encode() ([]byte, error) {
	e.once.Do(func() {
		e.encoded, e.err = json.Marshal(e.Payload)
	})
	return e.encoded, e.err
}

// MessagePayload is a stored message as seen by clients. SequenceNumber is the
// message identity clients deduplicate on.
type MessagePayload struct {
	Type           Type      `json:"type"`
	ConversationID string    `json:"conversationId"`
	SequenceNumber int64     `json:"sequenceNumber"`
	Sender         string    `json:"sender"`
	Body           string    `json:"body"`
	AgentIdentity  string    `json:"agentIdentity,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// AutomationStatePayload announces the automation flag of a conversation.
type AutomationStatePayload struct {
	Type           Type   `json:"type"`
	ConversationID string `json:"conversationId"`
	Active         bool   `json:"active"`
}

// TypingPayload relays a typing indicator. Sender is "visitor" or "agent".
type TypingPayload struct {
	Type           Type   `json:"type"`
	ConversationID string `json:"conversationId"`
	Sender         string `json:"sender"`
	AgentIdentity  string `json:"agentIdentity,omitempty"`
	Active         bool   `json:"active"`
}

// PresencePayload reports a visitor or agent coming online or going away.
type PresencePayload struct {
	Type           Type   `json:"type"`
	Role           string `json:"role"`
	ConversationID string `json:"conversationId,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	AgentIdentity  string `json:"agentIdentity,omitempty"`
	Online         bool   `json:"online"`
}

// AckPayload confirms a durable append to the sending connection.
type AckPayload struct {
	Type           Type   `json:"type"`
	ConversationID string `json:"conversationId"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	SequenceNumber int64  `json:"sequenceNumber"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// ErrorPayload reports a rejected event to the sending connection.
type ErrorPayload struct {
	Type        Type   `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// NewMessage builds the envelope for a stored message.
func NewMessage(m *store.Message) *Envelope {
	return &Envelope{Type: TypeMessage, Payload: MessagePayloadFor(m)}
}

// MessagePayloadFor converts a stored message to its client representation.
func MessagePayloadFor(m *store.Message) MessagePayload {
	return MessagePayload{
		Type:           TypeMessage,
		ConversationID: m.ConversationID,
		SequenceNumber: m.Seq,
		Sender:         string(m.Author.Sender()),
		Body:           m.Body,
		AgentIdentity:  store.AgentIdentity(m.Author),
		Timestamp:      m.CreatedAt,
	}
}

// NewAutomationState builds an automation-state-changed envelope.
func NewAutomationState(conversationID string, active bool) *Envelope {
	return &Envelope{Type: TypeAutomationStateChanged, Payload: AutomationStatePayload{
		Type:           TypeAutomationStateChanged,
		ConversationID: conversationID,
		Active:         active,
	}}
}

// NewTyping builds a typing envelope.
func NewTyping(conversationID string, sender store.Sender, agentIdentity string, active bool) *Envelope {
	return &Envelope{Type: TypeTyping, Payload: TypingPayload{
		Type:           TypeTyping,
		ConversationID: conversationID,
		Sender:         string(sender),
		AgentIdentity:  agentIdentity,
		Active:         active,
	}}
}

// NewVisitorPresence reports a visitor joining or leaving a conversation.
func NewVisitorPresence(conversationID, displayName string, online bool) *Envelope {
	return &Envelope{Type: TypePresence, Payload: PresencePayload{
		Type:           TypePresence,
		Role:           string(store.SenderVisitor),
		ConversationID: conversationID,
		DisplayName:    displayName,
		Online:         online,
	}}
}

// NewAgentPresence reports an agent joining or leaving the audience.
func NewAgentPresence(agentIdentity string, online bool) *Envelope {
	return &Envelope{Type: TypePresence, Payload: PresencePayload{
		Type:          TypePresence,
		Role:          string(store.SenderAgent),
		AgentIdentity: agentIdentity,
		Online:        online,
	}}
}

// NewAck builds an ack for a stored message.
func NewAck(m *store.Message, duplicate bool) *Envelope {
	return &Envelope{Type: TypeAck, Payload: AckPayload{
		Type:           TypeAck,
		ConversationID: m.ConversationID,
		ClientMsgID:    m.ClientMsgID,
		SequenceNumber: m.Seq,
		Duplicate:      duplicate,
	}}
}

// NewError builds an error envelope.
func NewError(code, message, clientMsgID string) *Envelope {
	return &Envelope{Type: TypeError, Payload: ErrorPayload{
		Type:        TypeError,
		Code:        code,
		Message:     message,
		ClientMsgID: clientMsgID,
	}}
}
