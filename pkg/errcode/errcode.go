// Package errcode defines the closed set of bridge error kinds and their
// mapping to the two numeric code spaces exposed to dApps: the 4xxx provider
// space and the -32xxx JSON-RPC space.
package errcode

import (
	"errors"
	"fmt"
)

// Kind is an internal error category. The set is closed.
type Kind string

const (
	WalletNotFound             Kind = "WALLET_NOT_FOUND"
	WalletNotInstalled         Kind = "WALLET_NOT_INSTALLED"
	UserRejected               Kind = "USER_REJECTED"
	OriginNotAllowed           Kind = "ORIGIN_NOT_ALLOWED"
	SessionExpired             Kind = "SESSION_EXPIRED"
	CapabilityNotSupported     Kind = "CAPABILITY_NOT_SUPPORTED"
	TransportError             Kind = "TRANSPORT_ERROR"
	Timeout                    Kind = "TIMEOUT"
	RegistryFetchFailed        Kind = "REGISTRY_FETCH_FAILED"
	RegistryVerificationFailed Kind = "REGISTRY_VERIFICATION_FAILED"
	RegistrySchemaInvalid      Kind = "REGISTRY_SCHEMA_INVALID"
	Internal                   Kind = "INTERNAL_ERROR"
)

// Kinds lists every kind.
var Kinds = []Kind{
	WalletNotFound, WalletNotInstalled, UserRejected, OriginNotAllowed,
	SessionExpired, CapabilityNotSupported, TransportError, Timeout,
	RegistryFetchFailed, RegistryVerificationFailed, RegistrySchemaInvalid,
	Internal,
}

// Operational reports whether the kind is an expected runtime condition.
// Only Internal signals a bug.
func (k Kind) Operational() bool {
	return k != Internal
}

// Error is the only error type that leaves the bridge. Message is safe to show
// to a dApp. The wrapped cause is kept for logging and diagnostics only.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and a client-safe message to err.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Operational() bool { return e.Kind.Operational() }

// Is matches another *Error of the same kind, so errors.Is(err, New(Timeout, ""))
// checks the kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// WithDetail returns a copy carrying an extra detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

// KindOf returns the kind of err after classification.
func KindOf(err error) Kind {
	return Classify(err).Kind
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
