// Package queue is the policy layer over a broker.Broker: one [Queue] per
// job family (IMPORT_QUEUE, EXPORT_QUEUE, AI_QUEUE).
//
// The broker owns atomicity. The queue owns everything a broker should not
// know about: payload validation, id generation, per-tenant submission
// limits, retry classification with backoff, and lifecycle hooks.
//
//	q, _ := queue.New(job.FamilyExport, b,
//	    queue.WithPolicy(retry.Policy{MaxAttempts: 3, Backoff: backoff.DefaultStrategy()}),
//	    queue.WithVisibilityTimeout(30*time.Minute),
//	    queue.WithTenantLimiter(queue.NewTenantLimiter(5, 20)),
//	)
//	id, err := q.Submit(ctx, queue.Submission{TaskName: "export", Payload: body})
//
// # Tenant limits
//
// [TenantLimiter] keeps one token bucket (golang.org/x/time/rate) per
// organization. A rejected submission returns a *dispatch.SubmissionError
// wrapping dispatch.ErrRateLimited and nothing is enqueued.
package queue
