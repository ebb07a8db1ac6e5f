package job

import (
	"fmt"
	"time"

	"github.com/Mudityadev/charles-map/dispatch"
)

// ID identifies a job within its queue. It is either supplied by the caller
// or generated at submission.
type ID string

func (i ID) String() string { return string(i) }

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting to be claimed.
	StateQueued State = "queued"
	// StateActive means a worker holds the claim and is executing the job.
	StateActive State = "active"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

var transitions = map[State][]State{
	StateQueued: {StateActive},
	// active -> queued covers both a retryable failure and a reclaim.
	StateActive: {StateCompleted, StateQueued, StateFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns dispatch.ErrInvalidState for an illegal move.
func CheckTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", dispatch.ErrInvalidState, from, to)
	}
	return nil
}

// FailureKind attributes the last failure of a job.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureRetryable FailureKind = "retryable"
	FailureTerminal  FailureKind = "terminal"
	// FailureReclaimed means the worker went silent past its visibility timeout.
	FailureReclaimed FailureKind = "reclaimed"
)

// MaxErrorLen caps LastError so a runaway message cannot bloat the broker.
const MaxErrorLen = 1000

// Record is the persistent job entity shared by every broker backend.
type Record struct {
	ID       ID     `json:"id"`
	Family   Family `json:"family"`
	TaskName string `json:"task_name"`
	Payload  []byte `json:"payload"`
	State    State  `json:"state"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	Result      []byte      `json:"result,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	FailureKind FailureKind `json:"failure_kind,omitempty"`

	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	ClaimToken    string     `json:"-"`
	ClaimDeadline *time.Time `json:"claim_deadline,omitempty"`

	AvailableAt time.Time  `json:"available_at"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so brokers never hand out shared state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Payload = cloneBytes(r.Payload)
	cp.Result = cloneBytes(r.Result)
	cp.ClaimDeadline = cloneTime(r.ClaimDeadline)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.FinishedAt = cloneTime(r.FinishedAt)
	return &cp
}

// Retryable reports whether a failure now would still leave attempts in the
// budget.
func (r *Record) Retryable() bool {
	return r.Attempts < r.MaxAttempts
}

// TruncateError shortens msg to MaxErrorLen bytes.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	return msg[:MaxErrorLen-3] + "..."
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
