package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionStopped is returned by a processor whose session was asked to stop
	ErrSessionStopped = errors.New("session stopped")

	// ErrInvalidTask is returned when a task body is not a JSON object
	ErrInvalidTask = errors.New("invalid task message")

	// ErrUnknownSpider is returned when no spider is registered under a name
	ErrUnknownSpider = errors.New("unknown spider")

	// ErrUnknownMode is returned for a --type other than parser or worker
	ErrUnknownMode = errors.New("unknown mode, expected parser or worker")

	// ErrNotFound is returned when a stored item does not exist
	ErrNotFound = errors.New("item not found")
)

// Kind classifies a failure where it is detected.
type Kind int

const (
	// KindTransientPage covers navigation and DOM failures; retried after a browser restart.
	KindTransientPage Kind = iota
	// KindChallengeUnsolvable covers solver quota and timeout failures; fatal for the task.
	KindChallengeUnsolvable
	// KindProtocol covers malformed broker messages; acked without an item.
	KindProtocol
	// KindResourceAcquisition covers browser launch failures; the task fails immediately.
	KindResourceAcquisition
)

func (k Kind) String() string {
	switch k {
	case KindTransientPage:
		return "transient_page"
	case KindChallengeUnsolvable:
		return "challenge_unsolvable"
	case KindProtocol:
		return "protocol"
	case KindResourceAcquisition:
		return "resource_acquisition"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind is worth another attempt.
func (k Kind) Retryable() bool {
	return k == KindTransientPage
}

// Error is a failure tagged with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// TransientPage tags err as a navigation/DOM failure.
func TransientPage(op string, err error) error { return newError(KindTransientPage, op, err) }

// ChallengeUnsolvable tags err as a solver failure that must not be retried.
func ChallengeUnsolvable(op string, err error) error {
	return newError(KindChallengeUnsolvable, op, err)
}

// Protocol tags err as a malformed message.
func Protocol(op string, err error) error { return newError(KindProtocol, op, err) }

// ResourceAcquisition tags err as a failure to obtain the browser.
func ResourceAcquisition(op string, err error) error {
	return newError(KindResourceAcquisition, op, err)
}

// KindOf returns the kind of the outermost tagged error in err's chain.
// Untagged errors count as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransientPage
}

// IsKind reports whether err is tagged with kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
