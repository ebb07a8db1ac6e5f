package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/broker"
	"github.com/Mudityadev/charles-map/dispatch/job"
)

const jobColumns = `family, id, task_name, payload, state, attempts, max_attempts,
	result, last_error, failure_kind, tenant_id, user_id,
	claim_token, claim_deadline, available_at, enqueued_at, started_at, finished_at`

// Submit inserts a queued record. An existing (family, id) row wins.
func (b *Broker) Submit(ctx context.Context, rec *job.Record) (bool, error) {
	tag, err := b.db.Exec(ctx, `
		INSERT INTO dispatch_jobs (
			family, id, task_name, payload, state, attempts, max_attempts,
			tenant_id, user_id, available_at, enqueued_at
		) VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8, $9)
		ON CONFLICT (family, id) DO NOTHING`,
		string(rec.Family), string(rec.ID), rec.TaskName, rec.Payload, rec.MaxAttempts,
		rec.TenantID, rec.UserID, rec.AvailableAt, rec.EnqueuedAt,
	)
	if err != nil {
		return false, fmt.Errorf("dispatch/postgres: submit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim activates the oldest claimable row. SKIP LOCKED lets concurrent
// claimers pass over rows another transaction is already taking.
func (b *Broker) Claim(ctx context.Context, family job.Family, lease time.Duration) (*job.Record, error) {
	now := b.now()
	row := b.db.QueryRow(ctx, `
		UPDATE dispatch_jobs
		SET state = 'active', attempts = attempts + 1,
			claim_token = $3, claim_deadline = $4, started_at = $2
		WHERE (family, id) = (
			SELECT family, id FROM dispatch_jobs
			WHERE family = $1 AND state = 'queued' AND available_at <= $2
			ORDER BY available_at, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		string(family), now, uuid.NewString(), now.Add(lease),
	)

	rec, err := scanRecord(row)
	if isNoRows(err) {
		return nil, nil //nolint:nilnil // empty queue is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: claim: %w", err)
	}
	return rec, nil
}

func (b *Broker) Ack(ctx context.Context, family job.Family, id job.ID, token string, result []byte) error {
	tag, err := b.db.Exec(ctx, `
		UPDATE dispatch_jobs
		SET state = 'completed', result = $4, finished_at = $5,
			claim_token = NULL, claim_deadline = NULL
		WHERE family = $1 AND id = $2 AND state = 'active' AND claim_token = $3`,
		string(family), string(id), token, nullJSON(result), b.now(),
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: ack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return b.missOrConflict(ctx, family, id)
	}
	return nil
}

func (b *Broker) Nack(ctx context.Context, family job.Family, id job.ID, token string, f broker.Failure) error {
	var (
		sql  string
		args = []any{string(family), string(id), token, job.TruncateError(f.Error), string(f.Kind)}
	)
	if f.Retry {
		sql = `
			UPDATE dispatch_jobs
			SET state = 'queued', available_at = $6, last_error = $4, failure_kind = $5,
				claim_token = NULL, claim_deadline = NULL
			WHERE family = $1 AND id = $2 AND state = 'active' AND claim_token = $3`
		args = append(args, f.RetryAt)
	} else {
		sql = `
			UPDATE dispatch_jobs
			SET state = 'failed', finished_at = $6, last_error = $4, failure_kind = $5,
				claim_token = NULL, claim_deadline = NULL
			WHERE family = $1 AND id = $2 AND state = 'active' AND claim_token = $3`
		args = append(args, b.now())
	}

	tag, err := b.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: nack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return b.missOrConflict(ctx, family, id)
	}
	return nil
}

// Reclaim requeues or fails every expired lease in one statement.
func (b *Broker) Reclaim(ctx context.Context, family job.Family, limit int) ([]broker.Reclaimed, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.db.Query(ctx, `
		UPDATE dispatch_jobs
		SET state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
			available_at = CASE WHEN attempts >= max_attempts THEN available_at ELSE $2 END,
			finished_at = CASE WHEN attempts >= max_attempts THEN $2 ELSE finished_at END,
			last_error = $3, failure_kind = 'reclaimed',
			claim_token = NULL, claim_deadline = NULL
		WHERE (family, id) IN (
			SELECT family, id FROM dispatch_jobs
			WHERE family = $1 AND state = 'active' AND claim_deadline <= $2
			ORDER BY claim_deadline
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, state, attempts, max_attempts, task_name, tenant_id, user_id`,
		string(family), b.now(), dispatch.ErrReclaimTimeout.Error(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: reclaim: %w", err)
	}
	defer rows.Close()

	var out []broker.Reclaimed
	for rows.Next() {
		var (
			id, state string
			m         broker.Reclaimed
		)
		err := rows.Scan(&id, &state, &m.Attempts, &m.MaxAttempts, &m.TaskName, &m.TenantID, &m.UserID)
		if err != nil {
			return nil, fmt.Errorf("dispatch/postgres: reclaim scan: %w", err)
		}
		m.ID = job.ID(id)
		m.State = job.State(state)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: reclaim: %w", err)
	}
	return out, nil
}

func (b *Broker) Get(ctx context.Context, family job.Family, id job.ID) (*job.Record, error) {
	row := b.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM dispatch_jobs WHERE family = $1 AND id = $2`,
		string(family), string(id))
	rec, err := scanRecord(row)
	if isNoRows(err) {
		return nil, dispatch.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: get job: %w", err)
	}
	return rec, nil
}

func (b *Broker) Stats(ctx context.Context, family job.Family) (broker.Stats, error) {
	rows, err := b.db.Query(ctx,
		`SELECT state, COUNT(*) FROM dispatch_jobs WHERE family = $1 GROUP BY state`, string(family))
	if err != nil {
		return broker.Stats{}, fmt.Errorf("dispatch/postgres: stats: %w", err)
	}
	defer rows.Close()

	var st broker.Stats
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return broker.Stats{}, fmt.Errorf("dispatch/postgres: stats scan: %w", err)
		}
		switch job.State(state) {
		case job.StateQueued:
			st.Queued = n
		case job.StateActive:
			st.Active = n
		case job.StateCompleted:
			st.Completed = n
		case job.StateFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

func (b *Broker) Purge(ctx context.Context, family job.Family, cutoff time.Time) (int, error) {
	tag, err := b.db.Exec(ctx, `
		DELETE FROM dispatch_jobs
		WHERE family = $1 AND state IN ('completed', 'failed') AND finished_at < $2`,
		string(family), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("dispatch/postgres: purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// missOrConflict explains a guarded UPDATE that matched nothing.
func (b *Broker) missOrConflict(ctx context.Context, family job.Family, id job.ID) error {
	var exists bool
	err := b.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM dispatch_jobs WHERE family = $1 AND id = $2)`,
		string(family), string(id),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: check job: %w", err)
	}
	if !exists {
		return dispatch.ErrJobNotFound
	}
	return dispatch.ErrNotClaimHolder
}

func scanRecord(row pgx.Row) (*job.Record, error) {
	var (
		r                       job.Record
		family, id, state, kind string
		claimToken              *string
		result                  []byte
	)
	err := row.Scan(
		&family, &id, &r.TaskName, &r.Payload, &state, &r.Attempts, &r.MaxAttempts,
		&result, &r.LastError, &kind, &r.TenantID, &r.UserID,
		&claimToken, &r.ClaimDeadline, &r.AvailableAt, &r.EnqueuedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Family = job.Family(family)
	r.ID = job.ID(id)
	r.State = job.State(state)
	r.FailureKind = job.FailureKind(kind)
	r.Result = result
	if claimToken != nil {
		r.ClaimToken = *claimToken
	}
	return &r, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// nullJSON maps an empty result to SQL NULL so the JSONB column accepts it.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
