// ABOUTME: Websocket endpoint carrying visitor and agent relay events
// ABOUTME: Each connection runs a read loop for inbound events and a write pump draining a bounded queue

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

const (
	// sendQueueSize bounds the envelopes waiting for a slow connection.
	sendQueueSize = 256

	// maxFrameBytes caps an inbound frame. Bodies are limited far below this.
	maxFrameBytes = 64 * 1024

	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// wsClient is one websocket connection. It implements session.Conn.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	gateway *Gateway
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	// Only the read loop touches these.
	role  session.Role
	agent *auth.Agent // set when the agent joined with a verified token
}

func (c *wsClient) ID() string { return c.id }

// Deliver queues env for the write pump. It never blocks; a full queue drops
// the envelope.
func (c *wsClient) Deliver(env *wire.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		c.gateway.logger.Error("failed to encode envelope", "type", env.Type, "error", err)
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.gateway.metrics.RecordDroppedDelivery()
		c.gateway.logger.Warn("dropping envelope for slow connection", "conn", c.id, "type", env.Type)
		return false
	}
}

// DeliverWait queues env, waiting for room in the send queue. It is used for
// history replay, where dropping would leave the visitor with a gap.
func (c *wsClient) DeliverWait(ctx context.Context, env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", env.Type, err)
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return session.ErrNotDelivered
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleWebSocket upgrades GET /ws and runs the connection until it closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Auth.VisitorOrigins,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(g.connCtx)
	c := &wsClient{
		id:      uuid.New().String(),
		conn:    conn,
		gateway: g,
		send:    make(chan []byte, sendQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	g.logger.Debug("websocket connected", "conn", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()

	g.conversation.Leave(c)
	if c.role != session.RoleNone {
		g.metrics.ConnectionClosed(c.role.String())
	}
	g.logger.Debug("websocket disconnected", "conn", c.id, "role", c.role.String())
}

func (c *wsClient) readPump() {
	defer c.cancel()
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			c.sendError(wire.CodeInvalidEvent, "binary frames are not supported", "")
			continue
		}
		c.handleFrame(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsClient) sendError(code, message, clientMsgID string) {
	c.Deliver(wire.NewError(code, message, clientMsgID))
}

// handleFrame decodes one inbound event and routes it by connection role.
func (c *wsClient) handleFrame(data []byte) {
	ev, err := wire.Decode(data)
	if err != nil {
		c.sendError(wire.CodeInvalidEvent, err.Error(), "")
		return
	}

	m := c.gateway.registry.MembershipOf(c)
	if m.Role == session.RoleNone && c.role != session.RoleNone {
		c.sendError(wire.CodeSessionReplaced, "conversation opened in another window", "")
		return
	}
	switch ev := ev.(type) {
	case *wire.VisitorJoined:
		c.handleVisitorJoined(ev)
	case *wire.AgentJoined:
		c.handleAgentJoined(ev)
	case *wire.VisitorMessage:
		c.handleVisitorMessage(m, ev)
	case *wire.AgentMessage:
		c.handleAgentMessage(m, ev)
	case *wire.AutomationToggle:
		c.handleAutomationToggle(m, ev)
	case *wire.Typing:
		c.handleTyping(m, ev)
	}
}

func (c *wsClient) handleVisitorJoined(ev *wire.VisitorJoined) {
	if c.role != session.RoleNone {
		c.sendError(wire.CodeForbidden, "connection already joined", "")
		return
	}
	if _, err := c.gateway.conversation.VisitorJoined(c.ctx, c, ev); err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.gateway.logger.Warn("visitor join failed", "conversation_id", ev.ConversationID, "error", err)
		c.sendError(errorCode(err), "could not open conversation", "")
		return
	}
	c.role = session.RoleVisitor
	c.gateway.metrics.ConnectionOpened(c.role.String())
}

func (c *wsClient) handleAgentJoined(ev *wire.AgentJoined) {
	if c.role != session.RoleNone {
		c.sendError(wire.CodeForbidden, "connection already joined", "")
		return
	}

	identity := ev.AgentIdentity
	if c.gateway.verifier != nil {
		agent, err := c.gateway.verifier.Verify(ev.Token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "token expired"
			}
			c.sendError(wire.CodeUnauthorized, msg, "")
			return
		}
		c.agent = agent
		identity = agent.Identity
	}
	if identity == "" {
		c.sendError(wire.CodeInvalidEvent, "agentIdentity is required", "")
		return
	}

	c.gateway.conversation.AgentJoined(c, identity)
	c.role = session.RoleAgent
	c.gateway.metrics.ConnectionOpened(c.role.String())
}

func (c *wsClient) handleVisitorMessage(m session.Membership, ev *wire.VisitorMessage) {
	if m.Role != session.RoleVisitor || m.ConversationID != ev.ConversationID {
		c.sendError(wire.CodeForbidden, "not the visitor of this conversation", ev.ClientMsgID)
		return
	}
	res, err := c.gateway.conversation.VisitorMessage(c.ctx, ev.ConversationID, ev.Body, ev.ClientMsgID)
	c.reply(res, err, ev.ConversationID, ev.ClientMsgID)
}

func (c *wsClient) handleAgentMessage(m session.Membership, ev *wire.AgentMessage) {
	if m.Role != session.RoleAgent {
		c.sendError(wire.CodeForbidden, "agent-message requires an agent connection", ev.ClientMsgID)
		return
	}
	res, err := c.gateway.conversation.AgentMessage(c.ctx, ev.ConversationID, ev.Body, c.agentIdentity(m, ev), ev.ClientMsgID)
	c.reply(res, err, ev.ConversationID, ev.ClientMsgID)
}

// agentIdentity picks the name an agent message is attributed to. A verified
// token always wins over the identity carried in the event.
func (c *wsClient) agentIdentity(m session.Membership, ev *wire.AgentMessage) string {
	if c.agent != nil {
		return c.agent.Identity
	}
	if ev.AgentIdentity != "" {
		return ev.AgentIdentity
	}
	return m.AgentIdentity
}

func (c *wsClient) handleAutomationToggle(m session.Membership, ev *wire.AutomationToggle) {
	if m.Role != session.RoleAgent {
		c.sendError(wire.CodeForbidden, "automation-toggle requires an agent connection", "")
		return
	}
	if err := c.gateway.conversation.ToggleAutomation(c.ctx, ev.ConversationID, *ev.Active); err != nil {
		c.gateway.logger.Warn("automation toggle failed", "conversation_id", ev.ConversationID, "error", err)
		c.sendError(errorCode(err), "could not toggle automation", "")
	}
}

func (c *wsClient) handleTyping(m session.Membership, ev *wire.Typing) {
	switch {
	case m.Role == session.RoleAgent:
	case m.Role == session.RoleVisitor && m.ConversationID == ev.ConversationID:
	default:
		c.sendError(wire.CodeForbidden, "typing requires a joined connection", "")
		return
	}
	c.gateway.conversation.Typing(ev.ConversationID, m, ev.Active)
}

// reply acks a durable append or reports why the send failed.
func (c *wsClient) reply(res *conversation.SendResult, err error, conversationID, clientMsgID string) {
	if err != nil {
		c.gateway.logger.Warn("send failed",
			"conversation_id", conversationID,
			"client_msg_id", clientMsgID,
			"error", err)
		c.sendError(errorCode(err), errorMessage(err), clientMsgID)
		return
	}
	c.Deliver(wire.NewAck(res.Message, res.Duplicate))
}

// errorCode maps a relay error to the code sent to clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrUnknownConversation):
		return wire.CodeUnknownConversation
	case errors.Is(err, wire.ErrInvalidEvent), errors.Is(err, conversation.ErrAgentIdentityRequired):
		return wire.CodeInvalidEvent
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return wire.CodeUnauthorized
	default:
		return wire.CodeStoreUnavailable
	}
}

func errorMessage(err error) string {
	switch errorCode(err) {
	case wire.CodeUnknownConversation:
		return "unknown conversation"
	case wire.CodeInvalidEvent:
		return err.Error()
	case wire.CodeUnauthorized:
		return "unauthorized"
	default:
		return "message could not be stored"
	}
}
