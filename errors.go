package dispatch

import (
	"errors"
	"fmt"
)

var (
	// Broker errors.
	ErrNoBroker        = errors.New("dispatch: no broker configured")
	ErrBrokerClosed    = errors.New("dispatch: broker closed")
	ErrMigrationFailed = errors.New("dispatch: migration failed")
	ErrUnknownDriver   = errors.New("dispatch: unknown broker driver")

	// Not found errors.
	ErrJobNotFound    = errors.New("dispatch: job not found")
	ErrUnknownTask    = errors.New("dispatch: unknown task")
	ErrUnknownFamily  = errors.New("dispatch: unknown job family")
	ErrNoHandler      = errors.New("dispatch: no handler registered")
	ErrQueueNotServed = errors.New("dispatch: queue not served by this engine")

	// Submission errors.
	ErrInvalidPayload  = errors.New("dispatch: invalid payload")
	ErrRateLimited     = errors.New("dispatch: tenant submission rate exceeded")
	ErrUpgradeRequired = errors.New("dispatch: plan tier does not include this job")

	// Claim errors.
	ErrClaimConflict  = errors.New("dispatch: claim conflict")
	ErrNotClaimHolder = errors.New("dispatch: caller does not hold the claim")
	ErrReclaimTimeout = errors.New("dispatch: visibility timeout expired before ack")

	// State errors.
	ErrInvalidState         = errors.New("dispatch: invalid state transition")
	ErrMaxAttemptsExceeded  = errors.New("dispatch: max attempts exceeded")
	ErrEngineAlreadyStarted = errors.New("dispatch: engine already started")
)

// SubmissionError reports a submission rejected before anything was enqueued.
type SubmissionError struct {
	Field  string
	Reason string
	Err    error
}

// Invalid builds a SubmissionError for a malformed payload field.
func Invalid(field, reason string) *SubmissionError {
	return &SubmissionError{Field: field, Reason: reason, Err: ErrInvalidPayload}
}

func (e *SubmissionError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("dispatch: submission rejected: %s", e.Reason)
	}
	return fmt.Sprintf("dispatch: submission rejected: %s: %s", e.Field, e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransientError marks a task failure as worth retrying.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks a task failure that must not be retried.
type TerminalError struct{ Err error }

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Transient wraps err so the worker re-queues the job while attempts remain.
// A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Terminal wraps err so the worker fails the job immediately.
// A nil err stays nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTransient reports whether err carries an explicit transient marker.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTerminal reports whether err carries an explicit terminal marker.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
