package model

import (
	"context"
	"errors"
	"fmt"
	"net"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
)

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Stream yields incremental text deltas. Recv returns io.EOF once the
// upstream has finished.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Transport is the completion API abstraction used by the relay.
type Transport interface {
	ChatCompletion(ctx context.Context, messages []ctxpkg.Message) (CompletionResponse, error)
	ChatCompletionStream(ctx context.Context, messages []ctxpkg.Message) (Stream, error)
}

// ErrTimeout reports that the upstream call exceeded its deadline.
var ErrTimeout = errors.New("upstream timeout")

// TransportError is any other upstream failure. StatusCode is zero when no
// HTTP response was received.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream error status=%d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classify maps a raw transport error onto ErrTimeout or *TransportError.
// ctx is the context the call ran under.
func Classify(ctx context.Context, err error, statusCode int) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &TransportError{StatusCode: statusCode, Err: err}
}

// ErrorClass buckets an error for circuit breaking and metrics.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "upstream_timeout"
	default:
		return "upstream_error"
	}
}
