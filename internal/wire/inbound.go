// ABOUTME: Inbound websocket event types and their decoding and validation
// ABOUTME: Each JSON frame carries a "type" discriminator selecting one closed event struct

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidEvent is returned for frames that cannot be decoded or fail validation.
var ErrInvalidEvent = errors.New("invalid event")

// Limits applied to inbound fields.
const (
	MaxBodyLength = 4000
	MaxIDLength   = 128
	MaxNameLength = 100
)

// Type is the event discriminator carried in every frame.
type Type string

// Inbound event types
const (
	TypeVisitorJoined    Type = "visitor-joined"
	TypeAgentJoined      Type = "agent-joined"
	TypeVisitorMessage   Type = "visitor-message"
	TypeAgentMessage     Type = "agent-message"
	TypeAutomationToggle Type = "automation-toggle"
	TypeTyping           Type = "typing"
)

// Inbound is a decoded client event.
type Inbound interface {
	EventType() Type
	Validate() error
}

// VisitorJoined opens or resumes a visitor's conversation.
type VisitorJoined struct {
	ConversationID string `json:"conversationId"`
	DisplayName    string `json:"displayName,omitempty"`
	Origin         string `json:"origin,omitempty"`
	// AfterSeq asks for every stored message with a greater sequence number.
	AfterSeq int64 `json:"afterSeq,omitempty"`
}

// AgentJoined adds the connection to the agent audience.
type AgentJoined struct {
	Token         string `json:"token,omitempty"`
	AgentIdentity string `json:"agentIdentity,omitempty"`
}

// VisitorMessage is text from the visitor.
type VisitorMessage struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// AgentMessage is text from an agent. AgentIdentity may be omitted when the
// connection authenticated with a token that names the agent.
type AgentMessage struct {
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	AgentIdentity  string `json:"agentIdentity,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// AutomationToggle switches automation for one conversation.
type AutomationToggle struct {
	ConversationID string `json:"conversationId"`
	Active         *bool  `json:"active"`
}

// Typing is a transient typing indicator.
type Typing struct {
	ConversationID string `json:"conversationId"`
	Active         bool   `json:"active"`
}

func (VisitorJoined) EventType() Type    { return TypeVisitorJoined }
func (AgentJoined) EventType() Type      { return TypeAgentJoined }
func (VisitorMessage) EventType() Type   { return TypeVisitorMessage }
func (AgentMessage) EventType() Type     { return TypeAgentMessage }
func (AutomationToggle) EventType() Type { return TypeAutomationToggle }
func (Typing) EventType() Type           { return TypeTyping }

func (e *VisitorJoined) Validate() error {
	if err := validateID("conversationId", e.ConversationID); err != nil {
		return err
	}
	if utf8.RuneCountInString(e.DisplayName) > MaxNameLength {
		return invalid("displayName exceeds %d characters", MaxNameLength)
	}
	if e.AfterSeq < 0 {
		return invalid("afterSeq must not be negative")
	}
	return nil
}

func (e *AgentJoined) Validate() error {
	if utf8.RuneCountInString(e.AgentIdentity) > MaxNameLength {
		return invalid("agentIdentity exceeds %d characters", MaxNameLength)
	}
	return nil
}

func (e *VisitorMessage) Validate() error {
	if err := validateID("conversationId", e.ConversationID); err != nil {
		return err
	}
	if err := validateBody(e.Body); err != nil {
		return err
	}
	return validateClientMsgID(e.ClientMsgID)
}

func (e *AgentMessage) Validate() error {
	if err := validateID("conversationId", e.ConversationID); err != nil {
		return err
	}
	if err := validateBody(e.Body); err != nil {
		return err
	}
	if utf8.RuneCountInString(e.AgentIdentity) > MaxNameLength {
		return invalid("agentIdentity exceeds %d characters", MaxNameLength)
	}
	return validateClientMsgID(e.ClientMsgID)
}

func (e *AutomationToggle) Validate() error {
	if err := validateID("conversationId", e.ConversationID); err != nil {
		return err
	}
	if e.Active == nil {
		return invalid("active is required")
	}
	return nil
}

func (e *Typing) Validate() error {
	return validateID("conversationId", e.ConversationID)
}

// Decode parses one inbound frame and validates it.
func Decode(data []byte) (Inbound, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	var ev Inbound
	switch head.Type {
	case TypeVisitorJoined:
		ev = &VisitorJoined{}
	case TypeAgentJoined:
		ev = &AgentJoined{}
	case TypeVisitorMessage:
		ev = &VisitorMessage{}
	case TypeAgentMessage:
		ev = &AgentMessage{}
	case TypeAutomationToggle:
		ev = &AutomationToggle{}
	case TypeTyping:
		ev = &Typing{}
	case "":
		return nil, invalid("missing type")
	default:
		return nil, invalid("unknown type %q", head.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidEvent, head.Type, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func validateID(field, id string) error {
	if id == "" {
		return invalid("%s is required", field)
	}
	if len(id) > MaxIDLength {
		return invalid("%s exceeds %d bytes", field, MaxIDLength)
	}
	return nil
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return invalid("body is required")
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return invalid("body exceeds %d characters", MaxBodyLength)
	}
	return nil
}

func validateClientMsgID(id string) error {
	if len(id) > MaxIDLength {
		return invalid("clientMsgId exceeds %d bytes", MaxIDLength)
	}
	return nil
}
