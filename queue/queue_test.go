package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/backoff"
	"github.com/Mudityadev/charles-map/dispatch/broker/brokertest"
	"github.com/Mudityadev/charles-map/dispatch/broker/memory"
	"github.com/Mudityadev/charles-map/dispatch/ext"
	"github.com/Mudityadev/charles-map/dispatch/id"
	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/queue"
	"github.com/Mudityadev/charles-map/dispatch/retry"
)

// recorder captures lifecycle events by name.
type recorder struct {
	mu        sync.Mutex
	events    []string
	errs      []error
	reclaimed []*job.Record
	failed    []*job.Record
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) add(ev string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *recorder) OnJobSubmitted(_ context.Context, rec *job.Record) error {
	r.add("submitted:"+string(rec.ID), nil)
	return nil
}

func (r *recorder) OnJobClaimed(_ context.Context, rec *job.Record) error {
	r.add("claimed:"+string(rec.ID), nil)
	return nil
}

func (r *recorder) OnJobCompleted(_ context.Context, rec *job.Record, _ time.Duration) error {
	r.add("completed:"+string(rec.ID), nil)
	return nil
}

func (r *recorder) OnJobRetrying(_ context.Context, rec *job.Record, _ time.Time, err error) error {
	r.add("retrying:"+string(rec.ID), err)
	return nil
}

func (r *recorder) OnJobFailed(_ context.Context, rec *job.Record, err error) error {
	r.add("failed:"+string(rec.ID), err)
	r.mu.Lock()
	r.failed = append(r.failed, rec.Clone())
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnJobReclaimed(_ context.Context, rec *job.Record) error {
	r.add("reclaimed:"+string(rec.ID), nil)
	r.mu.Lock()
	r.reclaimed = append(r.reclaimed, rec.Clone())
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fixture struct {
	clock *brokertest.Clock
	b     *memory.Broker
	q     *queue.Queue
	rec   *recorder
}

func newFixture(t *testing.T, family job.Family, opts ...queue.Option) *fixture {
	t.Helper()
	clock := brokertest.NewClock()
	b := memory.New(memory.WithClock(clock.Now))
	rec := &recorder{}
	reg := ext.NewRegistry(nil)
	reg.Register(rec)

	base := []queue.Option{
		queue.WithClock(clock.Now),
		queue.WithExtensions(reg),
		queue.WithClaimWait(20 * time.Millisecond),
		queue.WithPollInterval(time.Millisecond),
		queue.WithVisibilityTimeout(time.Minute),
		queue.WithPolicy(retry.Policy{
			MaxAttempts:      3,
			Backoff:          backoff.NewConstant(10 * time.Second),
			DefaultRetryable: true,
		}),
	}
	q, err := queue.New(family, b, append(base, opts...)...)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	return &fixture{clock: clock, b: b, q: q, rec: rec}
}

func payload(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

func TestNewRejectsUnknownFamily(t *testing.T) {
	if _, err := queue.New("video", memory.New()); !errors.Is(err, dispatch.ErrUnknownFamily) {
		t.Fatalf("err = %v, want ErrUnknownFamily", err)
	}
	if _, err := queue.New(job.FamilyAI, nil); !errors.Is(err, dispatch.ErrNoBroker) {
		t.Fatalf("err = %v, want ErrNoBroker", err)
	}
}

func TestQueueName(t *testing.T) {
	f := newFixture(t, job.FamilyExport)
	if got := f.q.Name(); got != "EXPORT_QUEUE" {
		t.Errorf("Name() = %q", got)
	}
}

func TestSubmitGeneratesJobID(t *testing.T) {
	f := newFixture(t, job.FamilyImport)
	ctx := context.Background()

	jobID, err := f.q.Submit(ctx, queue.Submission{
		TaskName: "import",
		Payload:  payload(map[string]any{"fileName": "roads.geojson"}),
		TenantID: "org-1",
		UserID:   "user-1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !id.IsJobID(string(jobID)) {
		t.Errorf("generated id %q is not a job id", jobID)
	}

	got, err := f.q.Get(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateQueued || got.Attempts != 0 || got.MaxAttempts != 3 {
		t.Errorf("record = %+v", got)
	}
	if got.TenantID != "org-1" || got.UserID != "user-1" {
		t.Errorf("tenant = %q/%q", got.TenantID, got.UserID)
	}
}

func TestSubmitIdempotent(t *testing.T) {
	f := newFixture(t, job.FamilyExport)
	ctx := context.Background()
	s := queue.Submission{ID: "exp-7", TaskName: "export", Payload: payload(map[string]any{"dpi": 300})}

	for i := 0; i < 3; i++ {
		got, err := f.q.Submit(ctx, s)
		if err != nil || got != "exp-7" {
			t.Fatalf("submit %d = %q, %v", i, got, err)
		}
	}

	st, err := f.q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Queued != 1 {
		t.Errorf("queued = %d, want 1", st.Queued)
	}
	if ev := f.rec.snapshot(); len(ev) != 1 || ev[0] != "submitted:exp-7" {
		t.Errorf("events = %v", ev)
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name    string
		s       queue.Submission
		field   string
		wantErr error
	}{
		{
			name:    "task from another family",
			s:       queue.Submission{TaskName: "export", Payload: payload(map[string]any{})},
			field:   "task",
			wantErr: dispatch.ErrUnknownTask,
		},
		{
			name:    "unknown task",
			s:       queue.Submission{TaskName: "reproject", Payload: payload(map[string]any{})},
			field:   "task",
			wantErr: dispatch.ErrUnknownTask,
		},
		{
			name:    "empty payload",
			s:       queue.Submission{TaskName: "import"},
			field:   "payload",
			wantErr: dispatch.ErrInvalidPayload,
		},
		{
			name:    "array payload",
			s:       queue.Submission{TaskName: "import", Payload: json.RawMessage(`[1,2]`)},
			field:   "payload",
			wantErr: dispatch.ErrInvalidPayload,
		},
		{
			name:    "broken json",
			s:       queue.Submission{TaskName: "import", Payload: json.RawMessage(`{"fileName":`)},
			field:   "payload",
			wantErr: dispatch.ErrInvalidPayload,
		},
		{
			name: "id too long",
			s: queue.Submission{
				ID: job.ID(strings.Repeat("x", 257)), TaskName: "import", Payload: payload(map[string]any{}),
			},
			field:   "id",
			wantErr: dispatch.ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, job.FamilyImport)
			_, err := f.q.Submit(context.Background(), tt.s)

			var se *dispatch.SubmissionError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *SubmissionError", err)
			}
			if se.Field != tt.field {
				t.Errorf("field = %q, want %q", se.Field, tt.field)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}

			st, _ := f.q.Stats(context.Background())
			if st.Queued != 0 {
				t.Errorf("rejected submission was enqueued")
			}
		})
	}
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, job.FamilyAI, queue.WithTenantLimiter(queue.NewTenantLimiter(0.001, 2)))
	ctx := context.Background()
	s := queue.Submission{TaskName: "text2map", Payload: payload(map[string]any{"prompt": "rivers"}), TenantID: "org-1"}

	for i := 0; i < 2; i++ {
		if _, err := f.q.Submit(ctx, s); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, err := f.q.Submit(ctx, s); !errors.Is(err, dispatch.ErrRateLimited) {
		t.Fatalf("third submit = %v, want ErrRateLimited", err)
	}

	s.TenantID = "org-2"
	if _, err := f.q.Submit(ctx, s); err != nil {
		t.Fatalf("other tenant: %v", err)
	}
}

func TestResubmitBypassesRateLimit(t *testing.T) {
	f := newFixture(t, job.FamilyExport, queue.WithTenantLimiter(queue.NewTenantLimiter(0.0001, 1)))
	ctx := context.Background()
	s := queue.Submission{ID: "exp-fixed", TaskName: "export", Payload: payload(map[string]any{"format": "png"}), TenantID: "org-1"}

	first, err := f.q.Submit(ctx, s)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	again, err := f.q.Submit(ctx, s)
	if err != nil {
		t.Fatalf("resubmit with an empty bucket: %v", err)
	}
	if again != first {
		t.Errorf("resubmit id = %q, want %q", again, first)
	}

	s.ID = "exp-other"
	if _, err := f.q.Submit(ctx, s); !errors.Is(err, dispatch.ErrRateLimited) {
		t.Errorf("new id = %v, want ErrRateLimited", err)
	}
}

func TestSubmitBrokerFailure(t *testing.T) {
	f := newFixture(t, job.FamilyImport)
	_ = f.b.Close()

	_, err := f.q.Submit(context.Background(), queue.Submission{TaskName: "import", Payload: payload(map[string]any{})})
	var se *dispatch.SubmissionError
	if !errors.As(err, &se) || !errors.Is(err, dispatch.ErrBrokerClosed) {
		t.Fatalf("err = %v, want SubmissionError wrapping ErrBrokerClosed", err)
	}
}

func TestClaimNextEmptyReturnsNil(t *testing.T) {
	f := newFixture(t, job.FamilyExport)
	rec, err := f.q.ClaimNext(context.Background())
	if err != nil || rec != nil {
		t.Fatalf("ClaimNext = %v, %v; want nil, nil", rec, err)
	}
}

func TestClaimNextCanceled(t *testing.T) {
	f := newFixture(t, job.FamilyExport, queue.WithClaimWait(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.q.ClaimNext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestClaimNextRetriesConflicts(t *testing.T) {
	clock := brokertest.NewClock()
	b := memory.New(memory.WithClock(clock.Now), memory.WithClaimConflicts(3))
	q, err := queue.New(job.FamilyImport, b, queue.WithClock(clock.Now), queue.WithClaimWait(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := q.Submit(ctx, queue.Submission{ID: "imp-1", TaskName: "import", Payload: payload(map[string]any{})}); err != nil {
		t.Fatal(err)
	}

	rec, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if rec == nil || rec.ID != "imp-1" || rec.Attempts != 1 {
		t.Fatalf("claimed = %+v", rec)
	}
}

func TestAckCompletes(t *testing.T) {
	f := newFixture(t, job.FamilyExport)
	ctx := context.Background()
	if _, err := f.q.Submit(ctx, queue.Submission{ID: "exp-1", TaskName: "export", Payload: payload(map[string]any{})}); err != nil {
		t.Fatal(err)
	}

	rec, err := f.q.ClaimNext(ctx)
	if err != nil || rec == nil {
		t.Fatalf("ClaimNext = %v, %v", rec, err)
	}
	result := []byte(`{"downloadUrl":"s3://exports/exp-1.zip"}`)
	if err := f.q.Ack(ctx, rec, result); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	got, _ := f.q.Get(ctx, "exp-1")
	if got.State != job.StateCompleted || string(got.Result) != string(result) {
		t.Errorf("record = %+v", got)
	}

	// A second ack from the same (now stale) claim is rejected.
	if err := f.q.Ack(ctx, rec, result); !errors.Is(err, dispatch.ErrNotClaimHolder) {
		t.Errorf("second Ack = %v, want ErrNotClaimHolder", err)
	}

	want := []string{"submitted:exp-1", "claimed:exp-1", "completed:exp-1"}
	if ev := f.rec.snapshot(); strings.Join(ev, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", ev, want)
	}
}

func TestNackRetriesWithBackoff(t *testing.T) {
	f := newFixture(t, job.FamilyImport)
	ctx := context.Background()
	if _, err := f.q.Submit(ctx, queue.Submission{ID: "imp-1", TaskName: "import", Payload: payload(map[string]any{})}); err != nil {
		t.Fatal(err)
	}

	rec, _ := f.q.ClaimNext(ctx)
	out, err := f.q.Nack(ctx, rec, errors.New("tile server 503"))
	if err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if !out.Retry || out.Class != retry.ClassRetryable {
		t.Fatalf("outcome = %+v", out)
	}
	if want := f.clock.Now().Add(10 * time.Second); !out.RetryAt.Equal(want) {
		t.Errorf("RetryAt = %v, want %v", out.RetryAt, want)
	}

	// Not claimable until the backoff elapses.
	if got, _ := f.q.ClaimNext(ctx); got != nil {
		t.Fatalf("claimed %s before backoff elapsed", got.ID)
	}
	f.clock.Advance(10 * time.Second)
	again, err := f.q.ClaimNext(ctx)
	if err != nil || again == nil {
		t.Fatalf("ClaimNext after backoff = %v, %v", again, err)
	}
	if again.Attempts != 2 || again.LastError != "tile server 503" {
		t.Errorf("retried record = %+v", again)
	}
}

func TestNackTerminalFailsImmediately(t *testing.T) {
	f := newFixture(t, job.FamilyAI)
	ctx := context.Background()
	if _, err := f.q.Submit(ctx, queue.Submission{ID: "ai-1", TaskName: "ocr2vector", Payload: payload(map[string]any{})}); err != nil {
		t.Fatal(err)
	}

	rec, _ := f.q.ClaimNext(ctx)
	out, err := f.q.Nack(ctx, rec, dispatch.Terminal(errors.New("unreadable scan")))
	if err != nil {
		t.Fatal(err)
	}
	if out.Retry || out.Class != retry.ClassTerminal {
		t.Fatalf("outcome = %+v", out)
	}

	got, _ := f.q.Get(ctx, "ai-1")
	if got.State != job.StateFailed || got.FailureKind != job.FailureTerminal || got.Attempts != 1 {
		t.Errorf("record = %+v", got)
	}
}

func TestNackExhaustsAttempts(t *testing.T) {
	f := newFixture(t, job.FamilyImport)
	ctx := context.Background()
	if _, err := f.q.Submit(ctx, queue.Submission{ID: "imp-9", TaskName: "import", Payload: payload(map[string]any{})}); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		rec, err := f.q.ClaimNext(ctx)
		if err != nil || rec == nil {
			t.Fatalf("attempt %d: ClaimNext = %v, %v", attempt, rec, err)
		}
		if _, err := f.q.Nack(ctx, rec, dispatch.Transient(errors.New("connection reset"))); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Minute)
	}

	got, _ := f.q.Get(ctx, "imp-9")
	if got.State != job.StateFailed || got.Attempts != 3 {
		t.Fatalf("record = %+v", got)
	}

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	last := f.rec.errs[len(f.rec.errs)-1]
	if !errors.Is(last, dispatch.ErrMaxAttemptsExceeded) {
		t.Errorf("failed hook err = %v, want ErrMaxAttemptsExceeded", last)
	}
}

func TestNackUsesRecordBudget(t *testing.T) {
	ctx := context.Background()
	clock := brokertest.NewClock()
	b := memory.New(memory.WithClock(clock.Now))

	newQueue := func(maxAttempts int) *queue.Queue {
		q, err := queue.New(job.FamilyImport, b,
			queue.WithClock(clock.Now),
			queue.WithClaimWait(20*time.Millisecond),
			queue.WithPollInterval(time.Millisecond),
			queue.WithPolicy(retry.Policy{
				MaxAttempts:      maxAttempts,
				Backoff:          backoff.NewConstant(time.Second),
				DefaultRetryable: true,
			}),
		)
		if err != nil {
			t.Fatal(err)
		}
		return q
	}
	producer, consumer := newQueue(1), newQueue(3)

	if _, err := producer.Submit(ctx, queue.Submission{ID: "imp-1", TaskName: "import", Payload: payload(map[string]any{})}); err != nil {
		t.Fatal(err)
	}
	rec, err := consumer.ClaimNext(ctx)
	if err != nil || rec == nil {
		t.Fatalf("ClaimNext = %v, %v", rec, err)
	}
	out, err := consumer.Nack(ctx, rec, dispatch.Transient(errors.New("connection reset")))
	if err != nil {
		t.Fatal(err)
	}
	if out.Retry {
		t.Fatal("job submitted with a budget of 1 was retried")
	}

	got, _ := consumer.Get(ctx, "imp-1")
	if got.State != job.StateFailed || got.Attempts != 1 || got.MaxAttempts != 1 {
		t.Errorf("record = %+v", got)
	}
}

func TestReclaimHooksCarryAttribution(t *testing.T) {
	f := newFixture(t, job.FamilyAI, queue.WithPolicy(retry.Policy{MaxAttempts: 1, DefaultRetryable: true}))
	ctx := context.Background()
	_, err := f.q.Submit(ctx, queue.Submission{
		ID:       "ai-7",
		TaskName: "text2map",
		Payload:  payload(map[string]any{"prompt": "lakes"}),
		TenantID: "org-7",
		UserID:   "user-7",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec, _ := f.q.ClaimNext(ctx); rec == nil {
		t.Fatal("expected a claim")
	}
	f.clock.Advance(2 * time.Minute)
	if n, err := f.q.Reclaim(ctx); err != nil || n != 1 {
		t.Fatalf("Reclaim = %d, %v", n, err)
	}

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.reclaimed) != 1 || len(f.rec.failed) != 1 {
		t.Fatalf("hooks: reclaimed=%d failed=%d", len(f.rec.reclaimed), len(f.rec.failed))
	}
	for _, r := range []*job.Record{f.rec.reclaimed[0], f.rec.failed[0]} {
		if r.TenantID != "org-7" || r.UserID != "user-7" || r.TaskName != "text2map" || r.MaxAttempts != 1 {
			t.Errorf("hook record = %+v", r)
		}
	}
}

func TestReclaimExpiredClaims(t *testing.T) {
	f := newFixture(t, job.FamilyExport, queue.WithPolicy(retry.Policy{MaxAttempts: 2, DefaultRetryable: true}))
	ctx := context.Background()
	if _, err := f.q.Submit(ctx, queue.Submission{ID: "exp-1", TaskName: "export", Payload: payload(map[string]any{})}); err != nil {
		t.Fatal(err)
	}

	// First claim expires: back to the queue.
	if rec, _ := f.q.ClaimNext(ctx); rec == nil {
		t.Fatal("expected a claim")
	}
	f.clock.Advance(2 * time.Minute)
	n, err := f.q.Reclaim(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Reclaim = %d, %v", n, err)
	}
	got, _ := f.q.Get(ctx, "exp-1")
	if got.State != job.StateQueued || got.FailureKind != job.FailureReclaimed || got.Attempts != 1 {
		t.Fatalf("after first reclaim = %+v", got)
	}

	// Second claim expires with the budget spent: failed.
	stale, _ := f.q.ClaimNext(ctx)
	if stale == nil {
		t.Fatal("expected a second claim")
	}
	f.clock.Advance(2 * time.Minute)
	if n, err := f.q.Reclaim(ctx); err != nil || n != 1 {
		t.Fatalf("second Reclaim = %d, %v", n, err)
	}
	got, _ = f.q.Get(ctx, "exp-1")
	if got.State != job.StateFailed || got.Attempts != 2 {
		t.Fatalf("after second reclaim = %+v", got)
	}

	// The worker that lost its claim can no longer ack.
	if err := f.q.Ack(ctx, stale, nil); !errors.Is(err, dispatch.ErrNotClaimHolder) {
		t.Errorf("stale Ack = %v, want ErrNotClaimHolder", err)
	}
}

func TestPurgeHonorsRetention(t *testing.T) {
	f := newFixture(t, job.FamilyImport, queue.WithRetention(time.Hour))
	ctx := context.Background()
	if _, err := f.q.Submit(ctx, queue.Submission{ID: "imp-1", TaskName: "import", Payload: payload(map[string]any{})}); err != nil {
		t.Fatal(err)
	}
	rec, _ := f.q.ClaimNext(ctx)
	if err := f.q.Ack(ctx, rec, []byte(`{"status":"completed"}`)); err != nil {
		t.Fatal(err)
	}

	if n, _ := f.q.Purge(ctx); n != 0 {
		t.Fatalf("purged %d records inside retention", n)
	}
	f.clock.Advance(2 * time.Hour)
	if n, err := f.q.Purge(ctx); err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
	if _, err := f.q.Get(ctx, "imp-1"); !errors.Is(err, dispatch.ErrJobNotFound) {
		t.Errorf("Get after purge = %v", err)
	}
}
