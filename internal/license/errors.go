package license

import (
	"fmt"
)

// Code classifies an admission or issuance failure. Every code is an
// expected, recoverable-by-caller outcome, not a crash condition.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeRevoked          Code = "REVOKED"
	CodeExpired          Code = "EXPIRED"
	CodeNotActivated     Code = "NOT_ACTIVATED"
	CodeMaxActivations   Code = "MAX_ACTIVATIONS"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeDuplicateKey     Code = "DUPLICATE_KEY"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
)

// Error is a classified domain failure. Two Errors compare equal under
// errors.Is when their codes match, so callers can test against the
// sentinels below regardless of wrapping.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on the classification code, not the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel failures for the admission and issuance operations.
var (
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "invalid license key"}
	ErrRevoked          = &Error{Code: CodeRevoked, Message: "this license has been revoked"}
	ErrExpired          = &Error{Code: CodeExpired, Message: "this license has expired"}
	ErrNotActivated     = &Error{Code: CodeNotActivated, Message: "this license is not yet activated"}
	ErrMaxActivations   = &Error{Code: CodeMaxActivations, Message: "maximum activations reached for this license"}
	ErrRateLimited      = &Error{Code: CodeRateLimited, Message: "too many attempts, please try again later"}
	ErrDuplicateKey     = &Error{Code: CodeDuplicateKey, Message: "generated key collided with an existing one"}
	ErrStoreUnavailable = &Error{Code: CodeStoreUnavailable, Message: "license store unavailable"}
)

// StoreUnavailable wraps a persistence failure so it is never mistaken for
// an invalid license.
func StoreUnavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
