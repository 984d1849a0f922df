// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to simulate an unavailable store

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// A single mutex serializes appends, mirroring SQLiteStore's write lock.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // keyed by conversation id, in seq order
	clientIndex   map[string]*Message   // keyed by "conversationID|clientMsgID"

	// failErr, when set, is returned (wrapped in ErrUnavailable) from every write.
	failErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		clientIndex:   make(map[string]*Message),
	}
}

// FailWrites makes every subsequent write fail as if the database were down.
// Pass nil to restore normal behavior.
func (m *MockStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *MockStore) writeErr(op string) error {
	if m.failErr != nil {
		return unavailable(op, m.failErr)
	}
	return nil
}

// CreateConversation stores a new conversation or returns the existing one.
func (m *MockStore) CreateConversation(ctx context.Context, id string, origin Origin) (*Conversation, bool, error) {
	if id == "" {
		return nil, false, errors.New("conversation id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.conversations[id]; ok {
		c := *existing
		return &c, false, nil
	}
	if err := m.writeErr("inserting conversation"); err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:               id,
		DisplayName:      origin.DisplayName,
		PageURL:          origin.PageURL,
		AutomationActive: true,
		Status:           StatusNew,
		CreatedAt:        now,
		LastActivity:     now,
	}
	m.conversations[id] = conv

	c := *conv
	return &c, true, nil
}

// GetConversation retrieves a conversation by id.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrUnknownConversation
	}
	c := *conv
	return &c, nil
}

// ListConversations returns conversations ordered by most recent activity.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	convs := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		c := *conv
		convs = append(convs, &c)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})

	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

func (m *MockStore) update(op, id string, fn func(*Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(op); err != nil {
		return err
	}
	conv, ok := m.conversations[id]
	if !ok {
		return ErrUnknownConversation
	}
	fn(conv)
	return nil
}

// SetDisplayName stores the visitor-supplied name.
func (m *MockStore) SetDisplayName(ctx context.Context, id, name string) error {
	return m.update("updating display name", id, func(c *Conversation) { c.DisplayName = name })
}

// SetAutomationFlag sets the automation flag.
func (m *MockStore) SetAutomationFlag(ctx context.Context, id string, active bool) error {
	return m.update("updating automation flag", id, func(c *Conversation) { c.AutomationActive = active })
}

// GetAutomationFlag reads the automation flag.
func (m *MockStore) GetAutomationFlag(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return false, ErrUnknownConversation
	}
	return conv.AutomationActive, nil
}

// MarkEngaged moves a conversation to engaged.
func (m *MockStore) MarkEngaged(ctx context.Context, id string) error {
	return m.update("updating status", id, func(c *Conversation) { c.Status = StatusEngaged })
}

// AppendMessage assigns the next sequence number and stores the message.
func (m *MockStore) AppendMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	if err := validateNewMessage(msg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	if err := m.writeErr("inserting message"); err != nil {
		return nil, err
	}

	key := msg.ConversationID + "|" + msg.ClientMsgID
	if msg.ClientMsgID != "" {
		if existing, ok := m.clientIndex[key]; ok {
			e := *existing
			return &e, ErrDuplicateMessage
		}
	}

	if msg.RequireAutomation && !conv.AutomationActive {
		return nil, ErrHandedOff
	}

	stored := &Message{
		ConversationID: msg.ConversationID,
		Seq:            conv.LastSeq + 1,
		Author:         msg.Author,
		Body:           msg.Body,
		ClientMsgID:    msg.ClientMsgID,
		CreatedAt:      time.Now().UTC(),
	}
	conv.LastSeq = stored.Seq
	conv.LastActivity = stored.CreatedAt
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], stored)
	if msg.ClientMsgID != "" {
		m.clientIndex[key] = stored
	}

	s := *stored
	return &s, nil
}

// ListMessages returns messages with seq greater than afterSeq in sequence order.
func (m *MockStore) ListMessages(ctx context.Context, id string, afterSeq int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[id]; !ok {
		return nil, ErrUnknownConversation
	}

	var result []*Message
	for _, msg := range m.messages[id] {
		if msg.Seq <= afterSeq {
			continue
		}
		c := *msg
		result = append(result, &c)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// GetMessageByClientID looks up a message by the sender's idempotency key.
func (m *MockStore) GetMessageByClientID(ctx context.Context, id, clientMsgID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.clientIndex[id+"|"+clientMsgID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *msg
	return &c, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
