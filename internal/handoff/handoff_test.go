// ABOUTME: Tests for the handoff state machine transitions and store-backed Machine
// ABOUTME: Verifies agent forcing, explicit toggles and that decisions are never cached

package handoff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

func TestNext_Total(t *testing.T) {
	tests := []struct {
		name  string
		state State
		event Event
		want  State
	}{
		{"agent message from automated", Automated, AgentMessage{}, Human},
		{"agent message from human", Human, AgentMessage{}, Human},
		{"visitor message keeps automated", Automated, VisitorMessage{}, Automated},
		{"visitor message keeps human", Human, VisitorMessage{}, Human},
		{"toggle on from human", Human, Toggle{Active: true}, Automated},
		{"toggle on from automated", Automated, Toggle{Active: true}, Automated},
		{"toggle off from automated", Automated, Toggle{Active: false}, Human},
		{"toggle off from human", Human, Toggle{Active: false}, Human},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Next(tt.state, tt.event))
		})
	}
}

func TestState_Flag(t *testing.T) {
	assert.True(t, Automated.Flag())
	assert.False(t, Human.Flag())
	assert.Equal(t, Automated, FromFlag(true))
	assert.Equal(t, Human, FromFlag(false))
	assert.Equal(t, "human", Human.String())
}

func newTestMachine(t *testing.T) (*Machine, *store.MockStore) {
	t.Helper()

	s := store.NewMockStore()
	_, _, err := s.CreateConversation(context.Background(), "conv-1", store.Origin{})
	require.NoError(t, err)
	return NewMachine(s, nil), s
}

func TestMachine_AgentMessageForcesHuman(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := t.Context()

	ok, err := m.ShouldAutomate(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, ok, "conversations start automated")

	state, err := m.Apply(ctx, "conv-1", AgentMessage{})
	require.NoError(t, err)
	assert.Equal(t, Human, state)

	// Visitor messages never bring automation back
	_, err = m.Apply(ctx, "conv-1", VisitorMessage{})
	require.NoError(t, err)

	ok, err = m.ShouldAutomate(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, ok)

	state, err = m.Apply(ctx, "conv-1", Toggle{Active: true})
	require.NoError(t, err)
	assert.Equal(t, Automated, state)

	ok, err = m.ShouldAutomate(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMachine_ReadsStoreEveryTime(t *testing.T) {
	m, s := newTestMachine(t)
	ctx := t.Context()

	ok, err := m.ShouldAutomate(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// A write that bypasses the machine is visible immediately
	require.NoError(t, s.SetAutomationFlag(ctx, "conv-1", false))

	ok, err = m.ShouldAutomate(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMachine_UnknownConversation(t *testing.T) {
	m, _ := newTestMachine(t)

	_, err := m.ShouldAutomate(t.Context(), "missing")
	assert.ErrorIs(t, err, store.ErrUnknownConversation)

	_, err = m.Apply(t.Context(), "missing", AgentMessage{})
	assert.ErrorIs(t, err, store.ErrUnknownConversation)
}
