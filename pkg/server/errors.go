package server

import (
	"errors"
	"fmt"

	"github.com/pulsechat/pulse/pkg/database"
	"github.com/pulsechat/pulse/pkg/protocol"
)

// wireError is a handler failure destined for the client as an error event.
// Handlers build them with the constructors below or by wrapping store errors
// with storageError; only the dispatcher turns them into frames.
type wireError struct {
	code  int
	msg   string
	cause error
}

func (e *wireError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *wireError) Unwrap() error {
	return e.cause
}

func validationError(format string, args ...any) error {
	return &wireError{code: protocol.ErrCodeMalformedPayload, msg: fmt.Sprintf(format, args...)}
}

func permissionError(format string, args ...any) error {
	return &wireError{code: protocol.ErrCodePermissionDenied, msg: fmt.Sprintf(format, args...)}
}

func duplicateError(format string, args ...any) error {
	return &wireError{code: protocol.ErrCodeDuplicate, msg: fmt.Sprintf(format, args...)}
}

// storageError wraps a store failure while keeping the cause in the chain, so
// store sentinels still classify precisely and everything else reports as a
// storage failure.
func storageError(msg string, cause error) error {
	return &wireError{code: protocol.ErrCodeStorage, msg: msg, cause: cause}
}

// classifyError maps a handler failure to the wire code and client-facing
// message. Sentinels win over the wrapping wireError so a store error wrapped
// by storageError still reports its precise code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, protocol.ErrUnknownEvent):
		return protocol.ErrCodeUnknownEvent, "unknown event"
	case errors.Is(err, protocol.ErrMalformedPayload):
		return protocol.ErrCodeMalformedPayload, "malformed payload"
	case errors.Is(err, database.ErrUserNotFound):
		return protocol.ErrCodeNotFound, "user not found"
	case errors.Is(err, database.ErrChannelNotFound):
		return protocol.ErrCodeNotFound, "channel not found"
	case errors.Is(err, database.ErrMessageNotFound):
		return protocol.ErrCodeNotFound, "message not found"
	case errors.Is(err, database.ErrMessageNotOwned):
		return protocol.ErrCodePermissionDenied, "you can only modify your own messages"
	case errors.Is(err, database.ErrDuplicate):
		return protocol.ErrCodeDuplicate, "already exists"
	case errors.Is(err, ErrPairBusy):
		return protocol.ErrCodeDuplicate, "already exists"
	}

	var we *wireError
	if errors.As(err, &we) {
		return we.code, we.msg
	}

	return protocol.ErrCodeInternal, "internal error"
}
