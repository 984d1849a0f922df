// ABOUTME: Automated responder contract and test doubles
// ABOUTME: A Client turns visitor text into a reply or fails with ErrTimeout / ErrFailure

package responder

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout means no reply arrived within the caller's deadline.
	ErrTimeout = errors.New("responder timed out")

	// ErrFailure covers every other responder error, including an open breaker.
	ErrFailure = errors.New("responder failed")
)

// Client produces an automated reply for a visitor message.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, prompt string) (string, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Static replies with a fixed text after an optional delay. It is used in
// tests and when running without an upstream model.
type Static struct {
	Reply string
	Err   error
	Delay time.Duration
}

// Complete returns Reply or Err after Delay, honoring ctx cancellation.
func (s Static) Complete(ctx context.Context, prompt string) (string, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", Classify(ctx.Err())
		}
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.Reply, nil
}

// Classify maps an arbitrary error to ErrTimeout or ErrFailure.
func Classify(err error) error {
	var timeout interface{ Timeout() bool }
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrFailure):
		return err
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &timeout) && timeout.Timeout():
		return errors.Join(ErrTimeout, err)
	default:
		return errors.Join(ErrFailure, err)
	}
}
