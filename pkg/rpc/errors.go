package rpc

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnreachable means no endpoint is registered under the name or its
	// window is closed. Nothing was posted.
	ErrUnreachable = errors.New("endpoint unreachable")
	// ErrTimeout means no reply arrived before the bridge deadline.
	ErrTimeout = errors.New("rpc call timed out")
	// ErrClosed is returned when posting to a closed window.
	ErrClosed = errors.New("window closed")
	// ErrProtocol marks envelopes that are dropped without reply.
	ErrProtocol = errors.New("rpc protocol error")
)

// RemoteError carries the error text of a failed remote operation.
type RemoteError struct {
	Method  Method
	Message string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s failed: %s", e.Method, e.Message)
}

const (
	OutcomeOK          = "ok"
	OutcomeRemoteError = "remote_error"
	OutcomeTimeout     = "timeout"
	OutcomeUnreachable = "unreachable"
	OutcomeCanceled    = "canceled"
	OutcomeClosed      = "closed"
	OutcomePostError   = "post_error"
)

// Outcome returns the stable category of a Call error.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}

	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return OutcomeRemoteError
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrUnreachable):
		return OutcomeUnreachable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case errors.Is(err, ErrClosed):
		return OutcomeClosed
	default:
		return OutcomePostError
	}
}
