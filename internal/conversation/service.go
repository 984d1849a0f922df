// ABOUTME: Relay dispatcher: the single path every visitor, agent and automation message takes
// ABOUTME: Record first, then fan out; automation replies are re-checked against handoff before landing

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/handoff"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/responder"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

var (
	// ErrAgentIdentityRequired is returned when an agent message has no identity.
	ErrAgentIdentityRequired = errors.New("agent identity is required")

	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("conversation service closed")
)

// Defaults applied by New when Options leaves them empty.
const (
	DefaultResponderTimeout = 10 * time.Second
	DefaultFallbackMessage  = "I'm here to help! An agent will be with you shortly if needed."

	// persistTimeout bounds writes made outside a request, such as automation replies.
	persistTimeout = 5 * time.Second

	replayPageSize = 100
)

// Options tunes a Service. Zero values select the defaults above.
type Options struct {
	ResponderTimeout time.Duration
	FallbackMessage  string

	// WelcomeMessage, when set, is appended by automation to every new conversation.
	WelcomeMessage string

	Dedupe  *dedupe.Cache
	Metrics *metrics.Metrics
}

// Service orchestrates the store, handoff machine, responder and registry.
// Every inbound message is appended before anyone else sees it, and the
// store-assigned sequence number travels with every delivery.
type Service struct {
	store     store.Store
	registry  *session.Registry
	handoff   *handoff.Machine
	responder responder.Client
	opts      Options
	logger    *slog.Logger

	// baseCtx parents every automation call; Close cancels it if waiting times out.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New creates a Service. A nil responder disables automation entirely.
// Pass nil logger for default.
func New(st store.Store, registry *session.Registry, client responder.Client, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ResponderTimeout <= 0 {
		opts.ResponderTimeout = DefaultResponderTimeout
	}
	if opts.FallbackMessage == "" {
		opts.FallbackMessage = DefaultFallbackMessage
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     st,
		registry:  registry,
		handoff:   handoff.NewMachine(st, logger),
		responder: client,
		opts:      opts,
		logger:    logger.With("component", "conversation"),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// SendResult is the outcome of a visitor or agent send.
type SendResult struct {
	Message *store.Message

	// Duplicate is true when the client message id was already appended and
	// Message is that earlier record.
	Duplicate bool
}

// VisitorJoined creates the conversation if needed, makes conn its visitor,
// replays history after req.AfterSeq to conn alone and tells agents the
// visitor is online.
func (s *Service) VisitorJoined(ctx context.Context, conn session.Conn, req *wire.VisitorJoined) (*store.Conversation, error) {
	conv, created, err := s.store.CreateConversation(ctx, req.ConversationID, store.Origin{
		DisplayName: req.DisplayName,
		PageURL:     req.Origin,
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	if created {
		s.logger.Info("conversation created",
			"conversation_id", conv.ID,
			"page_url", conv.PageURL)
		if s.opts.WelcomeMessage != "" {
			s.appendWelcome(ctx, conv.ID)
		}
	} else if req.DisplayName != "" && req.DisplayName != conv.DisplayName {
		if err := s.store.SetDisplayName(ctx, conv.ID, req.DisplayName); err != nil {
			s.logger.Warn("failed to update display name", "conversation_id", conv.ID, "error", err)
		} else {
			conv.DisplayName = req.DisplayName
		}
	}

	// Join before replaying so nothing appended in between is missed; the
	// client drops anything it sees twice by sequence number.
	if displaced := s.registry.JoinVisitor(conv.ID, conn); displaced != nil {
		displaced.Deliver(wire.NewError(wire.CodeSessionReplaced, "conversation opened in another window", ""))
	}

	replayed, err := s.replay(ctx, conn, conv.ID, req.AfterSeq)
	if err != nil {
		s.registry.Leave(conn)
		return nil, err
	}

	active, err := s.store.GetAutomationFlag(ctx, conv.ID)
	if err != nil {
		s.registry.Leave(conn)
		return nil, fmt.Errorf("reading automation flag: %w", err)
	}
	conv.AutomationActive = active
	if err := session.DeliverWait(ctx, conn, wire.NewAutomationState(conv.ID, active)); err != nil {
		s.registry.Leave(conn)
		return nil, fmt.Errorf("sending automation state: %w", err)
	}

	s.registry.BroadcastToAgents(wire.NewVisitorPresence(conv.ID, conv.DisplayName, true))

	s.logger.Debug("visitor joined",
		"conversation_id", conv.ID,
		"conn", conn.ID(),
		"replayed", replayed)
	return conv, nil
}

// replay sends every stored message with seq greater than afterSeq to conn,
// a page at a time, waiting for queue room instead of dropping. It stops once
// a page comes back short; anything appended later reaches conn live.
func (s *Service) replay(ctx context.Context, conn session.Conn, id string, afterSeq int64) (int, error) {
	var n int
	for {
		page, err := s.store.ListMessages(ctx, id, afterSeq, replayPageSize)
		if err != nil {
			return n, fmt.Errorf("loading history: %w", err)
		}
		for _, msg := range page {
			if err := session.DeliverWait(ctx, conn, wire.NewMessage(msg)); err != nil {
				return n, fmt.Errorf("replaying history at seq %d: %w", msg.Seq, err)
			}
			afterSeq = msg.Seq
			n++
		}
		if len(page) < replayPageSize {
			return n, nil
		}
	}
}

func (s *Service) appendWelcome(ctx context.Context, id string) {
	msg, err := s.store.AppendMessage(ctx, &store.NewMessage{
		ConversationID: id,
		Author:         store.Automation{},
		Body:           s.opts.WelcomeMessage,
	})
	if err != nil {
		s.logger.Error("failed to append welcome message", "conversation_id", id, "error", err)
		return
	}
	s.opts.Metrics.RecordMessage(string(store.SenderAutomation))
	// The visitor is not joined yet; agents learn about it here, the
	// visitor through history replay.
	s.registry.BroadcastToAgents(wire.NewMessage(msg))
}

// AgentJoined adds conn to the agent audience and announces it.
func (s *Service) AgentJoined(conn session.Conn, identity string) {
	s.registry.JoinAgentAudience(conn, identity)
	s.registry.BroadcastToAgents(wire.NewAgentPresence(identity, true))
	s.logger.Info("agent joined", "agent_identity", identity, "conn", conn.ID())
}

// Leave removes conn from the registry and announces its departure to agents.
func (s *Service) Leave(conn session.Conn) session.Membership {
	m := s.registry.Leave(conn)
	switch m.Role {
	case session.RoleVisitor:
		s.registry.BroadcastToAgents(wire.NewVisitorPresence(m.ConversationID, "", false))
		s.logger.Debug("visitor left", "conversation_id", m.ConversationID, "conn", conn.ID())
	case session.RoleAgent:
		s.registry.BroadcastToAgents(wire.NewAgentPresence(m.AgentIdentity, false))
		s.logger.Info("agent left", "agent_identity", m.AgentIdentity, "conn", conn.ID())
	}
	return m
}

// VisitorMessage records a visitor message, shows it to agents and, while the
// conversation is automated, asks the responder for a reply in the background.
func (s *Service) VisitorMessage(ctx context.Context, id, body, clientMsgID string) (*SendResult, error) {
	if dup := s.lookupDuplicate(ctx, id, clientMsgID); dup != nil {
		return dup, nil
	}

	msg, err := s.store.AppendMessage(ctx, &store.NewMessage{
		ConversationID: id,
		Author:         store.Visitor{},
		Body:           body,
		ClientMsgID:    clientMsgID,
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		return s.duplicate(msg), nil
	}
	if err != nil {
		return nil, err
	}
	s.recordAppended(msg)

	// The visitor's own connection renders it from the ack, so only agents get it.
	s.registry.BroadcastToAgents(wire.NewMessage(msg))

	automate, err := s.handoff.ShouldAutomate(ctx, id)
	if err != nil {
		s.logger.Warn("failed to read handoff state", "conversation_id", id, "error", err)
		automate = false
	}
	if automate && s.responder != nil {
		if err := s.dispatchAutomation(id, body); err != nil {
			s.logger.Warn("automation not dispatched", "conversation_id", id, "error", err)
		}
	} else {
		s.opts.Metrics.RecordAutomation(metrics.OutcomeSkipped)
	}

	return &SendResult{Message: msg}, nil
}

// AgentMessage hands the conversation to a human, records the agent's message
// and delivers it to the visitor and every agent.
func (s *Service) AgentMessage(ctx context.Context, id, body, identity, clientMsgID string) (*SendResult, error) {
	if identity == "" {
		return nil, ErrAgentIdentityRequired
	}
	if dup := s.lookupDuplicate(ctx, id, clientMsgID); dup != nil {
		return dup, nil
	}

	prev, err := s.handoff.State(ctx, id)
	if err != nil {
		return nil, err
	}
	// Force Human before the append so any automation reply still in flight
	// fails its conditional append.
	state, err := s.handoff.Apply(ctx, id, handoff.AgentMessage{})
	if err != nil {
		return nil, err
	}
	s.opts.Metrics.RecordHandoff(state.String())

	msg, err := s.store.AppendMessage(ctx, &store.NewMessage{
		ConversationID: id,
		Author:         store.Agent{Identity: identity},
		Body:           body,
		ClientMsgID:    clientMsgID,
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		return s.duplicate(msg), nil
	}
	if err != nil {
		return nil, err
	}
	s.recordAppended(msg)

	if err := s.store.MarkEngaged(ctx, id); err != nil {
		s.logger.Warn("failed to mark conversation engaged", "conversation_id", id, "error", err)
	}

	s.deliver(msg)

	if prev == handoff.Automated {
		s.broadcastAutomationState(id, false)
		s.logger.Info("conversation handed off", "conversation_id", id, "agent_identity", identity)
	}
	return &SendResult{Message: msg}, nil
}

// ToggleAutomation switches automation on or off and tells both audiences.
func (s *Service) ToggleAutomation(ctx context.Context, id string, active bool) error {
	state, err := s.handoff.Apply(ctx, id, handoff.Toggle{Active: active})
	if err != nil {
		return err
	}
	s.opts.Metrics.RecordHandoff(state.String())
	s.broadcastAutomationState(id, state.Flag())

	s.logger.Info("automation toggled", "conversation_id", id, "active", active)
	return nil
}

// Typing relays a typing indicator to the other side. It is never stored.
func (s *Service) Typing(id string, from session.Membership, active bool) {
	switch from.Role {
	case session.RoleVisitor:
		s.registry.BroadcastToAgents(wire.NewTyping(id, store.SenderVisitor, "", active))
	case session.RoleAgent:
		s.registry.SendToVisitor(id, wire.NewTyping(id, store.SenderAgent, from.AgentIdentity, active))
	}
}

// SetDisplayName updates the visitor's name and tells agents.
func (s *Service) SetDisplayName(ctx context.Context, id, name string) error {
	if err := s.store.SetDisplayName(ctx, id, name); err != nil {
		return err
	}
	s.registry.BroadcastToAgents(wire.NewVisitorPresence(id, name, s.registry.VisitorOnline(id)))
	return nil
}

// History returns stored messages with seq greater than afterSeq.
func (s *Service) History(ctx context.Context, id string, afterSeq int64, limit int) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, id, afterSeq, limit)
}

// Conversation returns one conversation record.
func (s *Service) Conversation(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// Conversations lists conversations by most recent activity.
func (s *Service) Conversations(ctx context.Context, limit int) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, limit)
}

// Close stops accepting automation work and waits for in-flight responder
// calls to settle. If ctx ends first, the calls are cancelled and Close still
// waits for them to unwind.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// lookupDuplicate answers a resent client message id without going through
// AppendMessage. The cache only says a record exists; the record itself is
// still read from the store, so a hit skips the serialized write transaction
// and nothing else. A miss, or a failed read, falls through to the append,
// where the store's unique index is the authoritative check.
func (s *Service) lookupDuplicate(ctx context.Context, id, clientMsgID string) *SendResult {
	if _, ok := s.opts.Dedupe.Lookup(id, clientMsgID); !ok {
		return nil
	}
	msg, err := s.store.GetMessageByClientID(ctx, id, clientMsgID)
	if err != nil {
		return nil
	}
	return s.duplicate(msg)
}

func (s *Service) duplicate(msg *store.Message) *SendResult {
	s.opts.Metrics.RecordDuplicate()
	s.opts.Dedupe.Remember(msg.ConversationID, msg.ClientMsgID, msg.Seq)
	s.logger.Debug("duplicate client message",
		"conversation_id", msg.ConversationID,
		"client_msg_id", msg.ClientMsgID,
		"seq", msg.Seq)
	return &SendResult{Message: msg, Duplicate: true}
}

func (s *Service) recordAppended(msg *store.Message) {
	s.opts.Metrics.RecordMessage(string(msg.Author.Sender()))
	s.opts.Dedupe.Remember(msg.ConversationID, msg.ClientMsgID, msg.Seq)
}

// deliver sends a stored message to the conversation's visitor and all agents.
func (s *Service) deliver(msg *store.Message) {
	env := wire.NewMessage(msg)
	s.registry.SendToVisitor(msg.ConversationID, env)
	s.registry.BroadcastToAgents(env)
}

func (s *Service) broadcastAutomationState(id string, active bool) {
	env := wire.NewAutomationState(id, active)
	s.registry.SendToVisitor(id, env)
	s.registry.BroadcastToAgents(env)
}
