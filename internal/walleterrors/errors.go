// Package walleterrors defines the error taxonomy shared across the account
// library. The teacher repo wraps every failure with fmt.Errorf("...: %w",
// err) and lets callers string-match (see isConnectionError in backend.go);
// a library needs callers to branch on error identity instead, so each kind
// below is a distinct sentinel wrapped in Error, which still satisfies
// errors.Is/errors.As and keeps the wrapped cause.
package walleterrors

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure from spec §7.
type Kind string

const (
	KindInvalidSeedPhrase  Kind = "invalid_seed_phrase"
	KindInvalidPath        Kind = "invalid_path"
	KindMalformedSignature Kind = "malformed_signature"
	KindAmountBelowDust    Kind = "amount_below_dust"
	KindNoUnspent          Kind = "no_unspent"
	KindInsufficientBal    Kind = "insufficient_balance"
	KindUnsupported        Kind = "unsupported"
	KindRequestTimeout     Kind = "request_timeout"
	KindConnectTimeout     Kind = "connect_timeout"
	KindRPCError           Kind = "rpc_error"
	KindDisposed           Kind = "disposed"
	KindInvalidTweak       Kind = "invalid_tweak"
)

// sentinels let callers write errors.Is(err, walleterrors.ErrDisposed).
var (
	ErrInvalidSeedPhrase  = &Error{Kind: KindInvalidSeedPhrase}
	ErrInvalidPath        = &Error{Kind: KindInvalidPath}
	ErrMalformedSignature = &Error{Kind: KindMalformedSignature}
	ErrAmountBelowDust    = &Error{Kind: KindAmountBelowDust}
	ErrNoUnspent          = &Error{Kind: KindNoUnspent}
	ErrInsufficientBal    = &Error{Kind: KindInsufficientBal}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
	ErrRequestTimeout     = &Error{Kind: KindRequestTimeout}
	ErrConnectTimeout     = &Error{Kind: KindConnectTimeout}
	ErrRPCError           = &Error{Kind: KindRPCError}
	ErrDisposed           = &Error{Kind: KindDisposed}
	ErrInvalidTweak       = &Error{Kind: KindInvalidTweak}
)

// Error is a typed, wrappable error carrying a stable Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so that plain
// Kind sentinels (ErrDisposed, etc.) match any Error of that Kind regardless
// of Message/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Unsupported builds the fixed-wording Unsupported error for a method name,
// per spec §4.6 ("stable Unsupported error with a fixed message referencing
// the method name").
func Unsupported(method string) *Error {
	return New(KindUnsupported, "%s is not supported by this account", method)
}

// As is a thin re-export of errors.As for callers that don't want to import
// both packages.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
