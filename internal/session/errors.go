package session

import (
	"errors"
	"fmt"
)

var (
	// ErrLoginTimeout means nobody completed the login before the deadline.
	// It is fatal for the run: the operator has to log in by hand.
	ErrLoginTimeout = errors.New("login was not completed before the deadline")

	// ErrNavigation, ErrChallengeTimeout and ErrForbidden classify a failed Fetch.
	ErrNavigation       = errors.New("navigation failed")
	ErrChallengeTimeout = errors.New("challenge did not clear")
	ErrForbidden        = errors.New("access forbidden")

	ErrNotStarted = errors.New("session not started")
	ErrClosed     = errors.New("session closed")
)

// Kind labels a FetchError.
type Kind string

const (
	KindNavigation       Kind = "navigation-error"
	KindChallengeTimeout Kind = "challenge-timeout"
	KindForbidden        Kind = "forbidden"
)

func (k Kind) sentinel() error {
	switch k {
	case KindChallengeTimeout:
		return ErrChallengeTimeout
	case KindForbidden:
		return ErrForbidden
	default:
		return ErrNavigation
	}
}

// FetchError is the typed failure of Fetch. errors.Is matches both the kind
// sentinel and the underlying cause.
type FetchError struct {
	Kind   Kind
	URL    string
	Status int
	Detail string
	Err    error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.URL)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// Blocked reports whether err means the site is actively refusing us, as
// opposed to needing a human login or a plain network failure.
func Blocked(err error) bool {
	return errors.Is(err, ErrChallengeTimeout) || errors.Is(err, ErrForbidden)
}
