// Package responder produces automated replies to visitor messages.
//
// HTTPClient talks to any OpenAI-compatible chat-completions endpoint
// (OpenRouter by default). Every failure, including an open circuit breaker,
// surfaces as ErrFailure, and deadline expiry as ErrTimeout, so callers only
// have two outcomes to handle besides a reply.
package responder
