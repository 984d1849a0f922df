// ABOUTME: Store interface and data types for coven-relay persistence
// ABOUTME: Defines Conversation, Message and the closed Author variant for the append-only log

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownConversation is returned when a conversation id was never created.
	ErrUnknownConversation = errors.New("unknown conversation")

	// ErrHandedOff is returned by AppendMessage when RequireAutomation is set
	// and a human has taken over the conversation.
	ErrHandedOff = errors.New("conversation handed off to a human")

	// ErrDuplicateMessage is returned alongside the originally stored message
	// when a client message id has already been appended.
	ErrDuplicateMessage = errors.New("duplicate client message")

	// ErrUnavailable wraps failures of the persistence layer itself.
	ErrUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a requested message does not exist.
	ErrNotFound = errors.New("not found")
)

// Sender is the wire name of a message author class.
type Sender string

// Sender classes
const (
	SenderVisitor    Sender = "visitor"
	SenderAgent      Sender = "agent"
	SenderAutomation Sender = "automation"
)

// Author identifies who wrote a message. The set is closed: Visitor, Agent
// and Automation are the only implementations.
type Author interface {
	Sender() Sender
	isAuthor()
}

// Visitor is the anonymous person the conversation belongs to.
type Visitor struct{}

// Agent is a human support agent. Identity is the display name shown to the visitor.
type Agent struct {
	Identity string
}

// Automation is the automated responder.
type Automation struct{}

func (Visitor) Sender() Sender    { return SenderVisitor }
func (Agent) Sender() Sender      { return SenderAgent }
func (Automation) Sender() Sender { return SenderAutomation }

func (Visitor) isAuthor()    {}
func (Agent) isAuthor()      {}
func (Automation) isAuthor() {}

// AuthorFor rebuilds an Author from its persisted columns.
func AuthorFor(sender Sender, agentIdentity string) (Author, error) {
	switch sender {
	case SenderVisitor:
		return Visitor{}, nil
	case SenderAgent:
		return Agent{Identity: agentIdentity}, nil
	case SenderAutomation:
		return Automation{}, nil
	default:
		return nil, fmt.Errorf("unknown sender %q", sender)
	}
}

// AgentIdentity returns the agent identity carried by a, or "" for other authors.
func AgentIdentity(a Author) string {
	if agent, ok := a.(Agent); ok {
		return agent.Identity
	}
	return ""
}

// Status is the lifecycle state of a conversation.
type Status string

// Conversation lifecycle. The only transition is New -> Engaged.
const (
	StatusNew     Status = "new"
	StatusEngaged Status = "engaged"
)

// Origin is the metadata a visitor supplies when a conversation is created.
type Origin struct {
	DisplayName string
	PageURL     string
}

// Conversation is the mutable record for one visitor's support thread.
type Conversation struct {
	ID               string
	DisplayName      string
	PageURL          string
	AutomationActive bool
	Status           Status
	LastSeq          int64
	CreatedAt        time.Time
	LastActivity     time.Time
}

// Message is one entry in a conversation's append-only log.
// Seq is assigned by the store and is gapless from 1.
type Message struct {
	ConversationID string
	Seq            int64
	Author         Author
	Body           string
	ClientMsgID    string
	CreatedAt      time.Time
}

// NewMessage is the input to AppendMessage.
type NewMessage struct {
	ConversationID string
	Author         Author
	Body           string

	// ClientMsgID is an optional idempotency key from the sending connection.
	ClientMsgID string

	// RequireAutomation makes the append fail with ErrHandedOff unless the
	// conversation's automation flag is still set when the write happens.
	RequireAutomation bool
}

// Store defines conversation and message persistence.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, id string, origin Origin) (*Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	SetDisplayName(ctx context.Context, id, name string) error

	// Handoff state
	SetAutomationFlag(ctx context.Context, id string, active bool) error
	GetAutomationFlag(ctx context.Context, id string) (bool, error)
	MarkEngaged(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *NewMessage) (*Message, error)
	ListMessages(ctx context.Context, id string, afterSeq int64, limit int) ([]*Message, error)
	GetMessageByClientID(ctx context.Context, id, clientMsgID string) (*Message, error)

	// Close releases any resources held by the store
	Close() error
}

// validateNewMessage checks the fields every backend requires.
func validateNewMessage(msg *NewMessage) error {
	if msg == nil || msg.Author == nil {
		return errors.New("message author is required")
	}
	if msg.ConversationID == "" {
		return ErrUnknownConversation
	}
	return nil
}

// unavailable marks err as a persistence-layer failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
