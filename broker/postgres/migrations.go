package postgres

import (
	"context"
	"fmt"

	"github.com/Mudityadev/charles-map/dispatch"
)

type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "001_create_jobs",
		sql: `
CREATE TABLE IF NOT EXISTS dispatch_jobs (
	family         TEXT        NOT NULL,
	id             TEXT        NOT NULL,
	task_name      TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	state          TEXT        NOT NULL,
	attempts       INTEGER     NOT NULL DEFAULT 0,
	max_attempts   INTEGER     NOT NULL,
	result         JSONB,
	last_error     TEXT        NOT NULL DEFAULT '',
	failure_kind   TEXT        NOT NULL DEFAULT '',
	tenant_id      TEXT        NOT NULL DEFAULT '',
	user_id        TEXT        NOT NULL DEFAULT '',
	claim_token    TEXT,
	claim_deadline TIMESTAMPTZ,
	available_at   TIMESTAMPTZ NOT NULL,
	enqueued_at    TIMESTAMPTZ NOT NULL,
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ,
	PRIMARY KEY (family, id)
)`,
	},
	{
		name: "002_claim_indexes",
		sql: `
CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_claim
	ON dispatch_jobs (family, available_at, enqueued_at) WHERE state = 'queued';
CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_lease
	ON dispatch_jobs (family, claim_deadline) WHERE state = 'active';
CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_finished
	ON dispatch_jobs (family, finished_at) WHERE state IN ('completed', 'failed')`,
	},
}

// Migrate applies pending schema migrations in order.
func (b *Broker) Migrate(ctx context.Context) error {
	_, err := b.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("%w: create migrations table: %w", dispatch.ErrMigrationFailed, err)
	}

	for _, m := range migrations {
		var applied bool
		err := b.db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM dispatch_migrations WHERE name = $1)`, m.name,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("%w: check %s: %w", dispatch.ErrMigrationFailed, m.name, err)
		}
		if applied {
			continue
		}

		if _, err := b.db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("%w: execute %s: %w", dispatch.ErrMigrationFailed, m.name, err)
		}
		if _, err := b.db.Exec(ctx, `INSERT INTO dispatch_migrations (name) VALUES ($1)`, m.name); err != nil {
			return fmt.Errorf("%w: record %s: %w", dispatch.ErrMigrationFailed, m.name, err)
		}

		b.logger.Info("applied migration", "name", m.name)
	}
	return nil
}
