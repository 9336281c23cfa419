// Package errs holds the typed domain errors surfaced by the coordinator and
// the ledger. Callers switch on Kind; the HTTP layer maps each kind to a
// status code and a machine-readable code.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation               Kind = "validation_error"
	KindNotFound                 Kind = "not_found"
	KindForbidden                Kind = "forbidden"
	KindInvalidState             Kind = "invalid_state"
	KindAlreadyAccepted          Kind = "already_accepted"
	KindInsufficientFunds        Kind = "insufficient_funds"
	KindMissingPayoutDestination Kind = "missing_payout_destination"
	KindUpstreamPayment          Kind = "upstream_payment_failure"
	KindAlreadyProcessed         Kind = "already_processed"
	KindWrongType                Kind = "wrong_type"
)

// Error is a domain error with a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, errs.NotFound(""))
// style checks work as well as the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrValidation               = &Error{Kind: KindValidation}
	ErrNotFound                 = &Error{Kind: KindNotFound}
	ErrForbidden                = &Error{Kind: KindForbidden}
	ErrInvalidState             = &Error{Kind: KindInvalidState}
	ErrAlreadyAccepted          = &Error{Kind: KindAlreadyAccepted}
	ErrInsufficientFunds        = &Error{Kind: KindInsufficientFunds}
	ErrMissingPayoutDestination = &Error{Kind: KindMissingPayoutDestination}
	ErrUpstreamPayment          = &Error{Kind: KindUpstreamPayment}
	ErrAlreadyProcessed         = &Error{Kind: KindAlreadyProcessed}
	ErrWrongType                = &Error{Kind: KindWrongType}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error { return New(KindNotFound, format, args...) }

func Forbidden(format string, args ...any) *Error { return New(KindForbidden, format, args...) }

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

// KindOf returns the kind of a domain error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the user-facing message of a domain error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return ""
}
