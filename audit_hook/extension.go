package audithook

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mudityadev/charles-map/dispatch/ext"
	"github.com/Mudityadev/charles-map/dispatch/job"
)

var (
	_ ext.Extension    = (*Extension)(nil)
	_ ext.JobSubmitted = (*Extension)(nil)
	_ ext.JobClaimed   = (*Extension)(nil)
	_ ext.JobCompleted = (*Extension)(nil)
	_ ext.JobRetrying  = (*Extension)(nil)
	_ ext.JobFailed    = (*Extension)(nil)
	_ ext.JobReclaimed = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of an organization's audit trail.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id"`
	OrgID      string         `json:"org_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"ts"`
}

// RecorderFunc adapts a plain function to Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// LogRecorder writes every event as a structured log line.
func LogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("job_id", evt.ResourceID),
			slog.String("org_id", evt.OrgID),
			slog.String("user_id", evt.UserID),
			slog.String("outcome", evt.Outcome),
		}
		for k, v := range evt.Metadata {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges job lifecycle events to a Recorder.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extension) Name() string { return "audit-hook" }

func (e *Extension) OnJobSubmitted(ctx context.Context, r *job.Record) error {
	return e.record(ctx, ActionJobSubmitted, SeverityInfo, OutcomeSuccess, r, nil,
		"max_attempts", r.MaxAttempts,
	)
}

func (e *Extension) OnJobClaimed(ctx context.Context, r *job.Record) error {
	return e.record(ctx, ActionJobClaimed, SeverityInfo, OutcomeSuccess, r, nil,
		"attempt", r.Attempts,
	)
}

func (e *Extension) OnJobCompleted(ctx context.Context, r *job.Record, elapsed time.Duration) error {
	return e.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess, r, nil,
		"attempt", r.Attempts,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (e *Extension) OnJobRetrying(ctx context.Context, r *job.Record, retryAt time.Time, jobErr error) error {
	return e.record(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure, r, jobErr,
		"attempt", r.Attempts,
		"next_run_at", retryAt.Format(time.RFC3339),
	)
}

func (e *Extension) OnJobFailed(ctx context.Context, r *job.Record, jobErr error) error {
	return e.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure, r, jobErr,
		"attempt", r.Attempts,
		"failure_kind", string(r.FailureKind),
	)
}

// OnJobReclaimed records a claim that expired. The reclaimed record holds
// no tenant, so the event carries only the job id.
func (e *Extension) OnJobReclaimed(ctx context.Context, r *job.Record) error {
	return e.record(ctx, ActionJobReclaimed, SeverityWarning, OutcomeFailure, r, nil,
		"attempt", r.Attempts,
		"state", string(r.State),
	)
}

// record builds and sends an audit event if the action is enabled.
// kvPairs become Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	r *job.Record,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+3)
	meta["task"] = r.TaskName
	meta["queue"] = r.Family.QueueName()
	for i := 0; i+1 < len(kvPairs); i += 2 {
		if key, ok := kvPairs[i].(string); ok {
			meta[key] = kvPairs[i+1]
		}
	}

	var reason string
	if err != nil {
		reason = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   ResourceJob,
		Category:   CategoryJob,
		ResourceID: string(r.ID),
		OrgID:      r.TenantID,
		UserID:     r.UserID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
		Timestamp:  e.now(),
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"job_id", evt.ResourceID,
			"error", recErr,
		)
	}
	return nil
}
