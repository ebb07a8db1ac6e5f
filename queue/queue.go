package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/broker"
	"github.com/Mudityadev/charles-map/dispatch/ext"
	"github.com/Mudityadev/charles-map/dispatch/id"
	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/retry"
)

const (
	maxIDLen       = 256
	reclaimBatch   = 100
	maxClaimSpins  = 32
	defaultLease   = 30 * time.Minute
	defaultWait    = 5 * time.Second
	defaultPolling = 500 * time.Millisecond
)

// Submission is the request shape accepted by Submit.
type Submission struct {
	// ID is optional; one is generated when empty.
	ID       job.ID
	TaskName string
	Payload  json.RawMessage
	TenantID string
	UserID   string
}

// Outcome reports what Nack did with a failed job.
type Outcome struct {
	Retry   bool
	RetryAt time.Time
	Class   retry.Class
}

// Queue is the durable queue for one job family.
// It is safe for concurrent use by any number of producers and workers.
type Queue struct {
	family       job.Family
	broker       broker.Broker
	policy       retry.Policy
	lease        time.Duration
	claimWait    time.Duration
	pollInterval time.Duration
	retention    time.Duration
	limiter      *TenantLimiter
	extensions   *ext.Registry
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

func WithPolicy(p retry.Policy) Option { return func(q *Queue) { q.policy = p } }

// WithVisibilityTimeout sets the claim lease.
func WithVisibilityTimeout(d time.Duration) Option { return func(q *Queue) { q.lease = d } }

// WithClaimWait bounds how long ClaimNext blocks on an empty queue.
func WithClaimWait(d time.Duration) Option { return func(q *Queue) { q.claimWait = d } }

func WithPollInterval(d time.Duration) Option { return func(q *Queue) { q.pollInterval = d } }

// WithRetention sets how long terminal records are kept before Purge.
func WithRetention(d time.Duration) Option { return func(q *Queue) { q.retention = d } }

func WithTenantLimiter(l *TenantLimiter) Option { return func(q *Queue) { q.limiter = l } }

func WithExtensions(r *ext.Registry) Option { return func(q *Queue) { q.extensions = r } }

func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// New creates the queue for family on top of b.
func New(family job.Family, b broker.Broker, opts ...Option) (*Queue, error) {
	if !family.Valid() {
		return nil, fmt.Errorf("%w: %q", dispatch.ErrUnknownFamily, family)
	}
	if b == nil {
		return nil, dispatch.ErrNoBroker
	}

	q := &Queue{
		family:       family,
		broker:       b,
		policy:       retry.DefaultPolicy(),
		lease:        defaultLease,
		claimWait:    defaultWait,
		pollInterval: defaultPolling,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.extensions == nil {
		q.extensions = ext.NewRegistry(q.logger)
	}
	if q.policy.MaxAttempts < 1 {
		q.policy.MaxAttempts = 1
	}
	return q, nil
}

func (q *Queue) Family() job.Family { return q.family }

// Name is the broker-facing queue name, e.g. EXPORT_QUEUE.
func (q *Queue) Name() string { return q.family.QueueName() }

func (q *Queue) Policy() retry.Policy { return q.policy }

func (q *Queue) VisibilityTimeout() time.Duration { return q.lease }

// Submit validates s and durably queues it. Resubmitting an id that still
// exists returns that id without creating a second entry and without
// spending a rate-limit token. Every rejection is a *dispatch.SubmissionError
// and nothing is enqueued.
func (q *Queue) Submit(ctx context.Context, s Submission) (job.ID, error) {
	if _, err := job.ParseKind(q.family, s.TaskName); err != nil {
		return "", &dispatch.SubmissionError{Field: "task", Reason: err.Error(), Err: err}
	}
	if err := validatePayload(s.Payload); err != nil {
		return "", err
	}
	if len(s.ID) > maxIDLen {
		return "", dispatch.Invalid("id", fmt.Sprintf("longer than %d bytes", maxIDLen))
	}
	if s.ID != "" {
		existing, err := q.broker.Get(ctx, q.family, s.ID)
		switch {
		case err == nil:
			return existing.ID, nil
		case !errors.Is(err, dispatch.ErrJobNotFound):
			return "", &dispatch.SubmissionError{Reason: "broker unavailable", Err: err}
		}
	}
	if !q.limiter.Allow(s.TenantID) {
		return "", &dispatch.SubmissionError{Field: "tenant", Reason: "rate limited", Err: dispatch.ErrRateLimited}
	}

	jobID := s.ID
	if jobID == "" {
		jobID = job.ID(id.NewJobID().String())
	}

	now := q.now()
	rec := &job.Record{
		ID:          jobID,
		Family:      q.family,
		TaskName:    s.TaskName,
		Payload:     []byte(s.Payload),
		State:       job.StateQueued,
		MaxAttempts: q.policy.MaxAttempts,
		TenantID:    s.TenantID,
		UserID:      s.UserID,
		AvailableAt: now,
		EnqueuedAt:  now,
	}

	created, err := q.broker.Submit(ctx, rec)
	if err != nil {
		return "", &dispatch.SubmissionError{Reason: "broker unavailable", Err: err}
	}

	if created {
		q.logger.Debug("job submitted",
			slog.String("queue", q.Name()),
			slog.String("job_id", string(jobID)),
			slog.String("task", s.TaskName),
			slog.String("tenant_id", s.TenantID),
		)
		q.extensions.EmitJobSubmitted(ctx, rec)
	}
	return jobID, nil
}

// ClaimNext takes the claim on the next available job. On an empty queue it
// polls until the claim wait elapses and then returns (nil, nil). Lost
// claim races are retried here and never reach the caller.
func (q *Queue) ClaimNext(ctx context.Context) (*job.Record, error) {
	deadline := time.NewTimer(q.claimWait)
	defer deadline.Stop()

	spins := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := q.broker.Claim(ctx, q.family, q.lease)
		switch {
		case errors.Is(err, dispatch.ErrClaimConflict) && spins < maxClaimSpins:
			spins++
			continue
		case err != nil:
			return nil, fmt.Errorf("queue %s: claim: %w", q.Name(), err)
		case rec != nil:
			q.extensions.EmitJobClaimed(ctx, rec)
			return rec, nil
		}

		spins = 0
		poll := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			poll.Stop()
			return nil, nil //nolint:nilnil // nothing to claim within the wait
		case <-poll.C:
		}
	}
}

// Ack completes rec with result. Only the current claim holder may ack.
func (q *Queue) Ack(ctx context.Context, rec *job.Record, result []byte) error {
	if err := q.broker.Ack(ctx, q.family, rec.ID, rec.ClaimToken, result); err != nil {
		return fmt.Errorf("queue %s: ack %s: %w", q.Name(), rec.ID, err)
	}

	done := rec.Clone()
	now := q.now()
	done.State = job.StateCompleted
	done.Result = result
	done.FinishedAt = &now
	var elapsed time.Duration
	if rec.StartedAt != nil {
		elapsed = now.Sub(*rec.StartedAt)
	}
	q.extensions.EmitJobCompleted(ctx, done, elapsed)
	return nil
}

// Nack records a failed attempt. Retryable failures with attempts left go
// back to the queue after the policy backoff; everything else fails.
func (q *Queue) Nack(ctx context.Context, rec *job.Record, cause error) (Outcome, error) {
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	now := q.now()
	d := q.policy.Decide(cause, rec.Attempts, rec.MaxAttempts, now)
	kind := job.FailureRetryable
	if d.Class == retry.ClassTerminal {
		kind = job.FailureTerminal
	}

	err := q.broker.Nack(ctx, q.family, rec.ID, rec.ClaimToken, broker.Failure{
		Error:   cause.Error(),
		Kind:    kind,
		Retry:   d.Retry,
		RetryAt: d.RetryAt,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("queue %s: nack %s: %w", q.Name(), rec.ID, err)
	}

	after := rec.Clone()
	after.LastError = job.TruncateError(cause.Error())
	after.FailureKind = kind
	after.ClaimToken = ""
	after.ClaimDeadline = nil
	if d.Retry {
		after.State = job.StateQueued
		after.AvailableAt = d.RetryAt
		q.extensions.EmitJobRetrying(ctx, after, d.RetryAt, cause)
	} else {
		after.State = job.StateFailed
		after.FinishedAt = &now
		if d.Class == retry.ClassRetryable {
			cause = fmt.Errorf("%w: %w", dispatch.ErrMaxAttemptsExceeded, cause)
		}
		q.extensions.EmitJobFailed(ctx, after, cause)
	}

	return Outcome{Retry: d.Retry, RetryAt: d.RetryAt, Class: d.Class}, nil
}

// Reclaim returns expired claims to the queue, or fails them when their
// attempts are spent. The attempt was counted at claim time and is not
// counted again.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	total := 0
	for {
		moved, err := q.broker.Reclaim(ctx, q.family, reclaimBatch)
		if err != nil {
			return total, fmt.Errorf("queue %s: reclaim: %w", q.Name(), err)
		}
		for _, m := range moved {
			q.logger.Warn("job reclaimed after visibility timeout",
				slog.String("queue", q.Name()),
				slog.String("job_id", string(m.ID)),
				slog.String("tenant_id", m.TenantID),
				slog.Int("attempt", m.Attempts),
				slog.String("state", string(m.State)),
			)
			rec := &job.Record{
				ID:          m.ID,
				Family:      q.family,
				TaskName:    m.TaskName,
				State:       m.State,
				Attempts:    m.Attempts,
				MaxAttempts: m.MaxAttempts,
				TenantID:    m.TenantID,
				UserID:      m.UserID,
				LastError:   dispatch.ErrReclaimTimeout.Error(),
				FailureKind: job.FailureReclaimed,
			}
			q.extensions.EmitJobReclaimed(ctx, rec)
			if m.State == job.StateFailed {
				q.extensions.EmitJobFailed(ctx, rec,
					fmt.Errorf("%w: %w", dispatch.ErrMaxAttemptsExceeded, dispatch.ErrReclaimTimeout))
			}
		}
		total += len(moved)
		if len(moved) < reclaimBatch {
			return total, nil
		}
	}
}

// Purge drops terminal records older than the retention window. It is a
// no-op when no retention is configured.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	if q.retention <= 0 {
		return 0, nil
	}
	n, err := q.broker.Purge(ctx, q.family, q.now().Add(-q.retention))
	if err != nil {
		return 0, fmt.Errorf("queue %s: purge: %w", q.Name(), err)
	}
	return n, nil
}

// Get returns the current record for id.
func (q *Queue) Get(ctx context.Context, jobID job.ID) (*job.Record, error) {
	return q.broker.Get(ctx, q.family, jobID)
}

// Stats counts this queue's records per state.
func (q *Queue) Stats(ctx context.Context) (broker.Stats, error) {
	return q.broker.Stats(ctx, q.family)
}

func validatePayload(p json.RawMessage) error {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 {
		return dispatch.Invalid("payload", "required")
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return dispatch.Invalid("payload", "must be a JSON object")
	}
	return nil
}
