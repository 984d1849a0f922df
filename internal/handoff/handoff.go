// ABOUTME: Per-conversation handoff state machine deciding whether automation may reply
// ABOUTME: Transitions are pure; Machine persists them through the conversation store

package handoff

import (
	"context"
	"fmt"
	"log/slog"
)

// State is the responsibility mode of a conversation.
type State int

const (
	// Automated means the responder answers visitor messages.
	Automated State = iota
	// Human means an agent owns the conversation and automation stays silent.
	Human
)

func (s State) String() string {
	switch s {
	case Automated:
		return "automated"
	case Human:
		return "human"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FromFlag maps the persisted automation flag to a State.
func FromFlag(active bool) State {
	if active {
		return Automated
	}
	return Human
}

// Flag maps a State to the persisted automation flag.
func (s State) Flag() bool {
	return s == Automated
}

// Event is an input to the state machine. The set is closed.
type Event interface {
	isEvent()
}

// AgentMessage is an agent writing into the conversation.
type AgentMessage struct{}

// VisitorMessage is the visitor writing into the conversation.
type VisitorMessage struct{}

// Toggle is an explicit automation switch from an agent or operator.
type Toggle struct {
	Active bool
}

func (AgentMessage) isEvent()   {}
func (VisitorMessage) isEvent() {}
func (Toggle) isEvent()         {}

// Next returns the state after ev. It is defined for every (state, event) pair.
func Next(s State, ev Event) State {
	switch e := ev.(type) {
	case AgentMessage:
		return Human
	case Toggle:
		return FromFlag(e.Active)
	default:
		return s
	}
}

// FlagStore is the slice of the conversation store the machine needs.
type FlagStore interface {
	GetAutomationFlag(ctx context.Context, id string) (bool, error)
	SetAutomationFlag(ctx context.Context, id string, active bool) error
}

// Machine reads and writes handoff state through a FlagStore. It holds no
// per-conversation state of its own, so every decision reflects the store.
type Machine struct {
	store  FlagStore
	logger *slog.Logger
}

// NewMachine creates a Machine. Pass nil logger for default.
func NewMachine(store FlagStore, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:  store,
		logger: logger.With("component", "handoff"),
	}
}

// State reads the current state of a conversation.
func (m *Machine) State(ctx context.Context, id string) (State, error) {
	active, err := m.store.GetAutomationFlag(ctx, id)
	if err != nil {
		return Automated, err
	}
	return FromFlag(active), nil
}

// ShouldAutomate reports whether the responder may act for the conversation.
func (m *Machine) ShouldAutomate(ctx context.Context, id string) (bool, error) {
	s, err := m.State(ctx, id)
	if err != nil {
		return false, err
	}
	return s == Automated, nil
}

// Apply feeds ev to the conversation's state machine and persists the result.
// AgentMessage and Toggle always write, so that concurrent writers converge on
// the last applied event. VisitorMessage never changes state and is not written.
func (m *Machine) Apply(ctx context.Context, id string, ev Event) (State, error) {
	if _, ok := ev.(VisitorMessage); ok {
		return m.State(ctx, id)
	}

	// The previous state is irrelevant for AgentMessage and Toggle.
	next := Next(Automated, ev)
	if err := m.store.SetAutomationFlag(ctx, id, next.Flag()); err != nil {
		return next, fmt.Errorf("persisting handoff state: %w", err)
	}

	m.logger.Debug("handoff state applied",
		"conversation_id", id,
		"event", fmt.Sprintf("%T", ev),
		"state", next.String())
	return next, nil
}
