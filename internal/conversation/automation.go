// ABOUTME: Background automated replies with a deadline, a single fallback and a handoff re-check
// ABOUTME: Exactly one automation message (reply or fallback) can land per visitor message

package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/responder"
	"github.com/2389/coven-relay/internal/store"
)

type completion struct {
	reply string
	err   error
}

// dispatchAutomation starts a tracked responder call for one visitor message.
func (s *Service) dispatchAutomation(id, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.runAutomation(id, prompt)
	}()
	return nil
}

// runAutomation waits for the responder or the deadline, whichever is first.
// A reply arriving after the deadline lands in the buffered channel and is
// dropped, so the fallback is never followed by a late answer.
func (s *Service) runAutomation(id, prompt string) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.opts.ResponderTimeout)
	defer cancel()

	results := make(chan completion, 1)
	start := time.Now()
	go func() {
		reply, err := s.responder.Complete(ctx, prompt)
		results <- completion{reply: reply, err: err}
	}()

	var res completion
	select {
	case res = <-results:
	case <-ctx.Done():
		res.err = responder.Classify(ctx.Err())
	}
	s.opts.Metrics.ObserveResponder(time.Since(start))

	if res.err == nil && strings.TrimSpace(res.reply) == "" {
		res.err = responder.ErrFailure
	}
	if res.err != nil {
		s.logger.Warn("responder failed, sending fallback",
			"conversation_id", id,
			"timeout", errors.Is(res.err, responder.ErrTimeout),
			"error", res.err)
		s.appendAutomation(id, s.opts.FallbackMessage, metrics.OutcomeFallback)
		return
	}
	s.appendAutomation(id, res.reply, metrics.OutcomeReply)
}

// appendAutomation lands an automation message only if the conversation is
// still automated. The store repeats the check inside the append transaction,
// closing the window between this read and the write.
func (s *Service) appendAutomation(id, body, outcome string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	automate, err := s.handoff.ShouldAutomate(ctx, id)
	if err != nil {
		s.logger.Error("failed to re-check handoff state", "conversation_id", id, "error", err)
		return
	}
	if !automate {
		s.discardAutomation(id, outcome)
		return
	}

	msg, err := s.store.AppendMessage(ctx, &store.NewMessage{
		ConversationID:    id,
		Author:            store.Automation{},
		Body:              body,
		RequireAutomation: true,
	})
	if errors.Is(err, store.ErrHandedOff) {
		s.discardAutomation(id, outcome)
		return
	}
	if err != nil {
		s.logger.Error("failed to append automation message",
			"conversation_id", id,
			"outcome", outcome,
			"error", err)
		return
	}

	s.opts.Metrics.RecordMessage(string(store.SenderAutomation))
	s.opts.Metrics.RecordAutomation(outcome)
	s.deliver(msg)

	s.logger.Debug("automation message delivered",
		"conversation_id", id,
		"seq", msg.Seq,
		"outcome", outcome)
}

func (s *Service) discardAutomation(id, outcome string) {
	s.opts.Metrics.RecordAutomation(metrics.OutcomeDiscarded)
	s.logger.Info("discarded automation message after handoff",
		"conversation_id", id,
		"outcome", outcome)
}
