// ABOUTME: In-memory registry of live connections: one visitor slot per conversation plus the agent audience
// ABOUTME: Fan-out copies targets under a read lock and delivers without blocking on slow connections

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/2389/coven-relay/internal/wire"
)

const shardCount = 32

// Role is the audience a connection belongs to.
type Role int

const (
	RoleNone Role = iota
	RoleVisitor
	RoleAgent
)

func (r Role) String() string {
	switch r {
	case RoleVisitor:
		return "visitor"
	case RoleAgent:
		return "agent"
	default:
		return "none"
	}
}

// Conn is a live client connection. Deliver must not block; it reports
// false when the envelope was dropped.
type Conn interface {
	ID() string
	Deliver(env *wire.Envelope) bool
}

// ErrNotDelivered is returned by DeliverWait when the envelope could not be
// queued because the connection is gone or gave up.
var ErrNotDelivered = errors.New("envelope not delivered")

// WaitConn is a Conn that can also wait for queue room. History replay goes
// through DeliverWait so a long backlog is never dropped; live fan-out keeps
// using Deliver.
type WaitConn interface {
	Conn
	DeliverWait(ctx context.Context, env *wire.Envelope) error
}

// DeliverWait queues env on conn, waiting for room when conn is a WaitConn.
// A plain Conn that drops env yields ErrNotDelivered.
func DeliverWait(ctx context.Context, conn Conn, env *wire.Envelope) error {
	if wc, ok := conn.(WaitConn); ok {
		return wc.DeliverWait(ctx, env)
	}
	if !conn.Deliver(env) {
		return ErrNotDelivered
	}
	return nil
}

// Membership describes what a connection joined as.
type Membership struct {
	Role           Role
	ConversationID string
	AgentIdentity  string
}

type visitorShard struct {
	mu    sync.RWMutex
	slots map[string]Conn // conversation id -> visitor connection
}

// Registry tracks which connection is the visitor of each conversation and
// which connections form the agent audience. Visitor slots are sharded by
// conversation id so joins in different conversations do not contend.
type Registry struct {
	shards [shardCount]*visitorShard

	agentsMu sync.RWMutex
	agents   map[string]agentEntry // connection id -> entry

	members sync.Map // connection id -> Membership

	logger *slog.Logger
}

type agentEntry struct {
	conn     Conn
	identity string
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		agents: make(map[string]agentEntry),
		logger: logger.With("component", "registry"),
	}
	for i := range r.shards {
		r.shards[i] = &visitorShard{slots: make(map[string]Conn)}
	}
	return r
}

func (r *Registry) shard(conversationID string) *visitorShard {
	return r.shards[xxhash.Sum64String(conversationID)%shardCount]
}

// JoinVisitor makes conn the visitor of the conversation. The last join wins:
// a previous visitor connection is displaced and returned so the caller can
// tell it. A connection holds one membership at a time, so any earlier
// membership of conn is dropped first.
func (r *Registry) JoinVisitor(conversationID string, conn Conn) Conn {
	r.Leave(conn)

	sh := r.shard(conversationID)
	sh.mu.Lock()
	displaced := sh.slots[conversationID]
	sh.slots[conversationID] = conn
	// The displaced connection's membership must go under the same lock,
	// or its own Leave could race with the swap.
	if displaced != nil && displaced.ID() != conn.ID() {
		r.members.Delete(displaced.ID())
	} else {
		displaced = nil
	}
	r.members.Store(conn.ID(), Membership{Role: RoleVisitor, ConversationID: conversationID})
	sh.mu.Unlock()

	if displaced != nil {
		r.logger.Debug("visitor connection displaced",
			"conversation_id", conversationID,
			"old_conn", displaced.ID(),
			"new_conn", conn.ID())
	}
	return displaced
}

// JoinAgentAudience adds conn to the set of agents receiving broadcasts.
func (r *Registry) JoinAgentAudience(conn Conn, identity string) {
	r.Leave(conn)

	r.agentsMu.Lock()
	r.agents[conn.ID()] = agentEntry{conn: conn, identity: identity}
	r.members.Store(conn.ID(), Membership{Role: RoleAgent, AgentIdentity: identity})
	r.agentsMu.Unlock()

	r.logger.Debug("agent joined audience", "conn", conn.ID(), "agent_identity", identity)
}

// Leave removes conn from whatever it joined and returns that membership.
// It is idempotent, and it never evicts a newer visitor that took the slot.
func (r *Registry) Leave(conn Conn) Membership {
	v, ok := r.members.Load(conn.ID())
	if !ok {
		return Membership{}
	}
	m := v.(Membership)

	switch m.Role {
	case RoleVisitor:
		sh := r.shard(m.ConversationID)
		sh.mu.Lock()
		// Recheck under the shard lock: a concurrent JoinVisitor may have
		// displaced this connection already.
		current, still := r.members.Load(conn.ID())
		if !still || current.(Membership) != m {
			sh.mu.Unlock()
			return Membership{}
		}
		if slot, ok := sh.slots[m.ConversationID]; ok && slot.ID() == conn.ID() {
			delete(sh.slots, m.ConversationID)
		}
		r.members.Delete(conn.ID())
		sh.mu.Unlock()
	case RoleAgent:
		r.agentsMu.Lock()
		if _, ok := r.members.Load(conn.ID()); !ok {
			r.agentsMu.Unlock()
			return Membership{}
		}
		delete(r.agents, conn.ID())
		r.members.Delete(conn.ID())
		r.agentsMu.Unlock()
	}
	return m
}

// MembershipOf returns the current membership of conn.
func (r *Registry) MembershipOf(conn Conn) Membership {
	if v, ok := r.members.Load(conn.ID()); ok {
		return v.(Membership)
	}
	return Membership{}
}

// SendToVisitor delivers env to the conversation's visitor, if one is joined.
// It reports whether the envelope was handed to a connection.
func (r *Registry) SendToVisitor(conversationID string, env *wire.Envelope) bool {
	sh := r.shard(conversationID)
	sh.mu.RLock()
	conn := sh.slots[conversationID]
	sh.mu.RUnlock()

	if conn == nil {
		return false
	}
	if !conn.Deliver(env) {
		r.logger.Debug("dropped envelope for slow visitor",
			"conversation_id", conversationID,
			"type", env.Type)
		return false
	}
	return true
}

// BroadcastToAgents delivers env to every agent connection and returns how
// many accepted it. Zero agents is not an error.
func (r *Registry) BroadcastToAgents(env *wire.Envelope) int {
	// Copy targets under read lock to avoid holding it during delivery
	r.agentsMu.RLock()
	targets := make([]Conn, 0, len(r.agents))
	for _, a := range r.agents {
		targets = append(targets, a.conn)
	}
	r.agentsMu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if conn.Deliver(env) {
			delivered++
			continue
		}
		r.logger.Debug("dropped envelope for slow agent",
			"conn", conn.ID(),
			"type", env.Type)
	}
	return delivered
}

// VisitorOnline reports whether a visitor connection is joined to the conversation.
func (r *Registry) VisitorOnline(conversationID string) bool {
	sh := r.shard(conversationID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.slots[conversationID]
	return ok
}

// AgentCount returns the number of connected agents.
func (r *Registry) AgentCount() int {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	return len(r.agents)
}

// AgentIdentities returns the identities of connected agents.
func (r *Registry) AgentIdentities() []string {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for _, a := range r.agents {
		ids = append(ids, a.identity)
	}
	return ids
}

// VisitorCount returns the number of joined visitor slots.
func (r *Registry) VisitorCount() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.slots)
		sh.mu.RUnlock()
	}
	return n
}
