// Package broker defines the durable queue contract shared by every backend.
//
// A Broker owns the atomicity of the job state machine: each method moves a
// record through at most one transition and either fully applies it or
// leaves the record untouched. Policy decisions (how many attempts, how
// long to back off) are made by the queue package and passed in.
//
// One Broker is created per process by the bootstrap, shared by every queue
// and worker in that process, and closed on shutdown.
package broker

import (
	"context"
	"time"

	"github.com/Mudityadev/charles-map/dispatch/job"
)

// Broker is the storage and coordination layer behind the job queues.
// Implementations must be safe for concurrent use by any number of
// goroutines and processes.
type Broker interface {
	// Submit stores rec in the queued state. If a record with the same
	// family and id still exists it is left untouched and created is false.
	Submit(ctx context.Context, rec *job.Record) (created bool, err error)

	// Claim moves the oldest claimable queued record of family to active,
	// increments its attempts, and issues a fresh claim token valid for
	// lease. It returns (nil, nil) when nothing is claimable.
	// Backends may return dispatch.ErrClaimConflict when a concurrent
	// claimer won a race; callers retry.
	Claim(ctx context.Context, family job.Family, lease time.Duration) (*job.Record, error)

	// Ack completes an active record. It fails with dispatch.ErrNotClaimHolder
	// if token is not the live claim, and dispatch.ErrJobNotFound if the
	// record no longer exists.
	Ack(ctx context.Context, family job.Family, id job.ID, token string, result []byte) error

	// Nack records a failed attempt and either re-queues the record at
	// f.RetryAt or fails it, as decided by f.Retry. Claim checks match Ack.
	Nack(ctx context.Context, family job.Family, id job.ID, token string, f Failure) error

	// Reclaim returns up to limit active records whose claim deadline has
	// passed to the queue, or fails them when their attempts are exhausted.
	Reclaim(ctx context.Context, family job.Family, limit int) ([]Reclaimed, error)

	// Get returns a copy of the record, or dispatch.ErrJobNotFound.
	Get(ctx context.Context, family job.Family, id job.ID) (*job.Record, error)

	// Stats counts the records of family per state.
	Stats(ctx context.Context, family job.Family) (Stats, error)

	// Purge removes completed and failed records that finished before
	// cutoff and returns how many were removed.
	Purge(ctx context.Context, family job.Family, cutoff time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Failure describes a failed attempt handed to Nack.
type Failure struct {
	Error   string
	Kind    job.FailureKind
	Retry   bool
	RetryAt time.Time
}

// Reclaimed reports one record moved by Reclaim, with enough of the record
// for lifecycle hooks to attribute the event.
type Reclaimed struct {
	ID          job.ID
	State       job.State
	Attempts    int
	MaxAttempts int
	TaskName    string
	TenantID    string
	UserID      string
}

// Stats counts records per state.
type Stats struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Clock returns the current time. Backends take one so tests can drive
// visibility timeouts and backoff deterministically.
type Clock func() time.Time
