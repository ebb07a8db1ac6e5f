// Package retry decides what happens to a job after a failed attempt:
// back to the queue after a delay, or straight to failed.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/backoff"
)

// Class is the retry classification of an error.
type Class int

const (
	ClassRetryable Class = iota
	ClassTerminal
)

func (c Class) String() string {
	if c == ClassTerminal {
		return "terminal"
	}
	return "retryable"
}

// Policy is the explicit per-family retry configuration.
type Policy struct {
	// MaxAttempts counts every execution, the first one included.
	MaxAttempts int

	// Backoff computes the delay before a retried job is claimable again.
	Backoff backoff.Strategy

	// DefaultRetryable classifies errors that carry no recognizable signal.
	DefaultRetryable bool
}

// DefaultPolicy allows three attempts with jittered exponential backoff and
// treats unknown errors as retryable.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		Backoff:          backoff.DefaultStrategy(),
		DefaultRetryable: true,
	}
}

// Classify maps err to a class. Explicit Transient/Terminal markers win,
// then well-known error shapes, then DefaultRetryable.
func (p Policy) Classify(err error) Class {
	switch {
	case err == nil:
		return ClassRetryable
	case dispatch.IsTerminal(err):
		return ClassTerminal
	case dispatch.IsTransient(err):
		return ClassRetryable
	case isTerminalShape(err):
		return ClassTerminal
	case isTransientShape(err):
		return ClassRetryable
	case p.DefaultRetryable:
		return ClassRetryable
	default:
		return ClassTerminal
	}
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry   bool
	RetryAt time.Time
	Class   Class
}

// Decide combines classification with the attempt budget. attempts is the
// number of executions already made, the failed one included. maxAttempts
// is the budget stored on the job at submission; zero means p.MaxAttempts.
func (p Policy) Decide(err error, attempts, maxAttempts int, now time.Time) Decision {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	class := p.Classify(err)
	if class == ClassTerminal || attempts >= maxAttempts {
		return Decision{Class: class}
	}

	var delay time.Duration
	if p.Backoff != nil {
		delay = p.Backoff.Delay(attempts)
	}
	return Decision{Retry: true, RetryAt: now.Add(delay), Class: class}
}

func isTerminalShape(err error) bool {
	var se *dispatch.SubmissionError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &se) ||
		errors.Is(err, dispatch.ErrUnknownTask) ||
		errors.Is(err, dispatch.ErrInvalidPayload) ||
		errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr)
}

func isTransientShape(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, dispatch.ErrReclaimTimeout) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.As(err, &netErr)
}
