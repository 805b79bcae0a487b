package captcha

import (
	"errors"
	"fmt"
)

var (
	// ErrExpired means the challenge aged past its TTL before the answer
	// arrived. Recovered by issuing a fresh challenge.
	ErrExpired = errors.New("captcha: challenge expired")

	// ErrMismatch means the submitted answer does not match the stored
	// digest. Recovered by issuing a fresh challenge.
	ErrMismatch = errors.New("captcha: answer does not match")

	// ErrNotIssued means a submission arrived for a session that has no
	// live challenge.
	ErrNotIssued = errors.New("captcha: no challenge issued")
)

// Error pairs a user-visible reason with the wrapped private cause, so
// handlers can show feedback without leaking the stored digest or answer.
type Error struct {
	PublicReason  string
	PrivateReason error
}

func NewError(publicReason string, privateReason error) *Error {
	return &Error{
		PublicReason:  publicReason,
		PrivateReason: privateReason,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("captcha: %s: %v", e.PublicReason, e.PrivateReason)
}

func (e *Error) Unwrap() error {
	return e.PrivateReason
}
