// ABOUTME: Authentication context for tracking agent identity through request handlers
// ABOUTME: Provides WithAgent/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// agentContextKey is the key type for storing Agent in context.Context.
type agentContextKey struct{}

// WithAgent returns a new context with the Agent attached.
func WithAgent(ctx context.Context, agent *Agent) context.Context {
	return context.WithValue(ctx, agentContextKey{}, agent)
}

// FromContext retrieves the Agent from the context, returning nil if not present.
func FromContext(ctx context.Context) *Agent {
	agent, _ := ctx.Value(agentContextKey{}).(*Agent)
	return agent
}
