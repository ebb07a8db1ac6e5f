// Package submit is the job submission API used by request handlers:
// EnqueueImport, EnqueueExport and EnqueueAITask validate a typed request,
// durably queue it and return the job id without waiting for execution.
// Progress is observed through Status.
package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/queue"
	"github.com/Mudityadev/charles-map/dispatch/scope"
)

// Status is the externally visible view of a job record.
type Status struct {
	JobID       job.ID          `json:"jobId"`
	Queue       string          `json:"queue"`
	TaskName    string          `json:"taskName"`
	OrgID       string          `json:"orgId,omitempty"`
	State       job.State       `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	FailureKind job.FailureKind `json:"failureKind,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithValidator replaces DefaultValidator.
func WithValidator(v Validator) Option { return func(c *Client) { c.validator = v } }

// WithGate enables plan-tier gating.
func WithGate(g Gate) Option { return func(c *Client) { c.gate = g } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// Client submits jobs to the family queues it was given.
type Client struct {
	queues    map[job.Family]*queue.Queue
	validator Validator
	gate      Gate
	logger    *slog.Logger
}

// New creates a Client over queues. Families without a queue reject
// submissions with dispatch.ErrQueueNotServed.
func New(queues []*queue.Queue, opts ...Option) *Client {
	c := &Client{
		queues:    make(map[job.Family]*queue.Queue, len(queues)),
		validator: DefaultValidator{},
		logger:    slog.Default(),
	}
	for _, q := range queues {
		c.queues[q.Family()] = q
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnqueueImport queues an import. Org and user default to the tenant on ctx.
func (c *Client) EnqueueImport(ctx context.Context, req ImportRequest) (job.ID, error) {
	req.OrgID, req.UserID = fillTenant(ctx, req.OrgID, req.UserID)
	if err := c.validator.ValidateImport(&req); err != nil {
		return "", err
	}
	return c.enqueue(ctx, job.FamilyImport, string(job.KindImport), "", req.ID, req.OrgID, req.UserID, req)
}

// EnqueueExport queues an export render.
func (c *Client) EnqueueExport(ctx context.Context, req ExportRequest) (job.ID, error) {
	req.OrgID, req.UserID = fillTenant(ctx, req.OrgID, req.UserID)
	if err := c.validator.ValidateExport(&req); err != nil {
		return "", err
	}
	return c.enqueue(ctx, job.FamilyExport, string(job.KindExport), req.Format, req.ID, req.OrgID, req.UserID, req)
}

// EnqueueAITask queues an AI task; req.Task is the task name.
func (c *Client) EnqueueAITask(ctx context.Context, req AIRequest) (job.ID, error) {
	req.OrgID, req.UserID = fillTenant(ctx, req.OrgID, req.UserID)
	if err := c.validator.ValidateAI(&req); err != nil {
		return "", err
	}
	return c.enqueue(ctx, job.FamilyAI, req.Task, "", req.ID, req.OrgID, req.UserID, req)
}

// Status reads the current state of a job.
func (c *Client) Status(ctx context.Context, family job.Family, jobID job.ID) (*Status, error) {
	q, err := c.queue(family)
	if err != nil {
		return nil, err
	}
	rec, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Status{
		JobID:       rec.ID,
		Queue:       family.QueueName(),
		TaskName:    rec.TaskName,
		OrgID:       rec.TenantID,
		State:       rec.State,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		Result:      json.RawMessage(rec.Result),
		Error:       rec.LastError,
		FailureKind: rec.FailureKind,
		EnqueuedAt:  rec.EnqueuedAt,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}, nil
}

func (c *Client) enqueue(ctx context.Context, family job.Family, task, format string, jobID job.ID, orgID, userID string, req any) (job.ID, error) {
	q, err := c.queue(family)
	if err != nil {
		return "", err
	}
	if c.gate != nil {
		if err := c.gate.Allow(ctx, orgID, family, format); err != nil {
			return "", err
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", dispatch.Invalid("payload", err.Error())
	}

	out, err := q.Submit(ctx, queue.Submission{
		ID:       jobID,
		TaskName: task,
		Payload:  payload,
		TenantID: orgID,
		UserID:   userID,
	})
	if err != nil {
		c.logger.Warn("job submission rejected",
			slog.String("queue", q.Name()),
			slog.String("job_name", task),
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	return out, nil
}

func (c *Client) queue(family job.Family) (*queue.Queue, error) {
	q, ok := c.queues[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrQueueNotServed, family.QueueName())
	}
	return q, nil
}

func fillTenant(ctx context.Context, orgID, userID string) (string, string) {
	ctxOrg, ctxUser := scope.Capture(ctx)
	if orgID == "" {
		orgID = ctxOrg
	}
	if userID == "" {
		userID = ctxUser
	}
	return orgID, userID
}
