package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lubby-ch/protorpc-channel/wire"
)

// Error is a classified transport failure. Two Errors match under errors.Is
// when their kinds are equal.
type Error struct {
	Kind    wire.ErrorKind
	Message string
	// ChannelValid marks failures after which the connection is still usable,
	// so the call may be retried on it.
	ChannelValid bool
	Err          error
}

var (
	ErrNotOpen         = &Error{Kind: wire.NotOpen}
	ErrTooManyRequests = &Error{Kind: wire.TooManyRequests}
	ErrCorruptedData   = &Error{Kind: wire.CorruptedData}
	ErrTimedOut        = &Error{Kind: wire.TimedOut}
	ErrNetwork         = &Error{Kind: wire.NetworkError}
	ErrCancelled       = &Error{Kind: wire.Cancelled}
	ErrInvalidRpcKind  = &Error{Kind: wire.InvalidRpcKind}
	ErrMissingBody     = &Error{Kind: wire.MissingBody}
	ErrApplication     = &Error{Kind: wire.Application}
)

// NewError returns an Error of the given kind.
func NewError(kind wire.ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", msg, e.Err)
	}
	return "transport: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// FromError classifies err. Context errors become TimedOut or Cancelled,
// header errors keep their kind and anything unrecognised is a NetworkError.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	var he *wire.HeaderError
	if errors.As(err, &he) {
		return &Error{Kind: he.Kind, Message: he.Message, ChannelValid: true}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: wire.TimedOut, ChannelValid: true, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: wire.Cancelled, ChannelValid: true, Err: err}
	}
	return &Error{Kind: wire.NetworkError, Err: err}
}
