// Package memory is an in-process Broker for tests and local development.
// It gives the same atomicity guarantees as the networked backends by
// serializing every operation behind one mutex, which makes it the
// reference backend for concurrency tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/broker"
	"github.com/Mudityadev/charles-map/dispatch/job"
)

var _ broker.Broker = (*Broker)(nil)

type key struct {
	family job.Family
	id     job.ID
}

type slot struct {
	rec *job.Record
	// seq orders records that became claimable at the same instant.
	seq uint64
}

// Broker keeps every record in memory. Safe for concurrent access.
type Broker struct {
	mu     sync.Mutex
	now    broker.Clock
	seq    uint64
	closed bool

	jobs map[key]*slot

	// conflicts makes the next n Claim calls report a lost race.
	conflicts int
}

// Option configures the Broker.
type Option func(*Broker)

// WithClock replaces time.Now.
func WithClock(c broker.Clock) Option {
	return func(b *Broker) { b.now = c }
}

// WithClaimConflicts makes the next n Claim calls fail with
// dispatch.ErrClaimConflict before touching any record.
func WithClaimConflicts(n int) Option {
	return func(b *Broker) { b.conflicts = n }
}

// New returns an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		now:  time.Now,
		jobs: make(map[key]*slot),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Submit(_ context.Context, rec *job.Record) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, dispatch.ErrBrokerClosed
	}

	k := key{rec.Family, rec.ID}
	if _, exists := b.jobs[k]; exists {
		return false, nil
	}

	cp := rec.Clone()
	cp.State = job.StateQueued
	b.jobs[k] = &slot{rec: cp, seq: b.nextSeq()}
	return true, nil
}

func (b *Broker) Claim(_ context.Context, family job.Family, lease time.Duration) (*job.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, dispatch.ErrBrokerClosed
	}
	if b.conflicts > 0 {
		b.conflicts--
		return nil, dispatch.ErrClaimConflict
	}

	now := b.now()
	var next *slot
	for k, s := range b.jobs {
		if k.family != family || s.rec.State != job.StateQueued || s.rec.AvailableAt.After(now) {
			continue
		}
		if next == nil || before(s, next) {
			next = s
		}
	}
	if next == nil {
		return nil, nil //nolint:nilnil // empty queue is not an error
	}

	deadline := now.Add(lease)
	r := next.rec
	r.State = job.StateActive
	r.Attempts++
	r.ClaimToken = uuid.NewString()
	r.ClaimDeadline = &deadline
	r.StartedAt = &now
	return r.Clone(), nil
}

func (b *Broker) Ack(_ context.Context, family job.Family, id job.ID, token string, result []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, err := b.held(family, id, token)
	if err != nil {
		return err
	}

	now := b.now()
	r.State = job.StateCompleted
	r.Result = append([]byte(nil), result...)
	r.FinishedAt = &now
	release(r)
	return nil
}

func (b *Broker) Nack(_ context.Context, family job.Family, id job.ID, token string, f broker.Failure) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, err := b.held(family, id, token)
	if err != nil {
		return err
	}

	r.LastError = job.TruncateError(f.Error)
	r.FailureKind = f.Kind
	release(r)

	if f.Retry {
		r.State = job.StateQueued
		r.AvailableAt = f.RetryAt
		b.jobs[key{family, id}].seq = b.nextSeq()
		return nil
	}

	now := b.now()
	r.State = job.StateFailed
	r.FinishedAt = &now
	return nil
}

func (b *Broker) Reclaim(_ context.Context, family job.Family, limit int) ([]broker.Reclaimed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, dispatch.ErrBrokerClosed
	}

	now := b.now()
	var out []broker.Reclaimed
	for k, s := range b.jobs {
		if limit > 0 && len(out) >= limit {
			break
		}
		r := s.rec
		if k.family != family || r.State != job.StateActive || r.ClaimDeadline == nil || r.ClaimDeadline.After(now) {
			continue
		}

		r.LastError = dispatch.ErrReclaimTimeout.Error()
		r.FailureKind = job.FailureReclaimed
		release(r)
		if r.Retryable() {
			r.State = job.StateQueued
			r.AvailableAt = now
			s.seq = b.nextSeq()
		} else {
			r.State = job.StateFailed
			r.FinishedAt = &now
		}
		out = append(out, broker.Reclaimed{
			ID:          r.ID,
			State:       r.State,
			Attempts:    r.Attempts,
			MaxAttempts: r.MaxAttempts,
			TaskName:    r.TaskName,
			TenantID:    r.TenantID,
			UserID:      r.UserID,
		})
	}
	return out, nil
}

func (b *Broker) Get(_ context.Context, family job.Family, id job.ID) (*job.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.jobs[key{family, id}]
	if !ok {
		return nil, dispatch.ErrJobNotFound
	}
	return s.rec.Clone(), nil
}

func (b *Broker) Stats(_ context.Context, family job.Family) (broker.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var st broker.Stats
	for k, s := range b.jobs {
		if k.family != family {
			continue
		}
		switch s.rec.State {
		case job.StateQueued:
			st.Queued++
		case job.StateActive:
			st.Active++
		case job.StateCompleted:
			st.Completed++
		case job.StateFailed:
			st.Failed++
		}
	}
	return st, nil
}

func (b *Broker) Purge(_ context.Context, family job.Family, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for k, s := range b.jobs {
		r := s.rec
		if k.family != family || !r.State.IsTerminal() || r.FinishedAt == nil || !r.FinishedAt.Before(cutoff) {
			continue
		}
		delete(b.jobs, k)
		n++
	}
	return n, nil
}

func (b *Broker) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return dispatch.ErrBrokerClosed
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// held returns the live record if token is its current claim.
func (b *Broker) held(family job.Family, id job.ID, token string) (*job.Record, error) {
	if b.closed {
		return nil, dispatch.ErrBrokerClosed
	}
	s, ok := b.jobs[key{family, id}]
	if !ok {
		return nil, dispatch.ErrJobNotFound
	}
	if s.rec.State != job.StateActive || token == "" || s.rec.ClaimToken != token {
		return nil, dispatch.ErrNotClaimHolder
	}
	return s.rec, nil
}

func (b *Broker) nextSeq() uint64 {
	b.seq++
	return b.seq
}

func before(a, b *slot) bool {
	if !a.rec.AvailableAt.Equal(b.rec.AvailableAt) {
		return a.rec.AvailableAt.Before(b.rec.AvailableAt)
	}
	return a.seq < b.seq
}

func release(r *job.Record) {
	r.ClaimToken = ""
	r.ClaimDeadline = nil
}
