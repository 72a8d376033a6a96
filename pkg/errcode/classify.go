package errcode

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	rejectionWords = []string{"reject", "denied", "declined", "cancel"}
	timeoutWords   = []string{"timeout", "timed out", "deadline"}
	transportWords = []string{"network", "fetch", "connection", "websocket", "dial", "eof"}
)

// Classify maps any error onto the closed kind set. An *Error anywhere in the
// chain is returned as is and wire errors are mapped back by code. Context errors map to Timeout and UserRejected.
// Anything else is classified by its message and falls back to Internal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return FromProviderError(pe)
	}
	var re *RPCError
	if errors.As(err, &re) {
		return FromRPCError(re)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(Timeout, err, "request timed out")
	case errors.Is(err, context.Canceled):
		return Wrap(UserRejected, err, "request cancelled")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return Wrap(TransportError, err, "connection closed")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rejectionWords):
		return Wrap(UserRejected, err, "request rejected by user")
	case containsAny(msg, timeoutWords):
		return Wrap(Timeout, err, "request timed out")
	case containsAny(msg, transportWords):
		return Wrap(TransportError, err, "transport failure")
	default:
		return Wrap(Internal, err, "internal error")
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
