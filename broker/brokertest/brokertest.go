// Package brokertest is a conformance suite run against every Broker
// backend that can execute in-process.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/broker"
	"github.com/Mudityadev/charles-map/dispatch/job"
)

// Clock is a manually advanced clock shared between a test and a backend.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty backend driven by clock.
type Factory func(t *testing.T, clock *Clock) broker.Broker

// Record builds a queued record ready for Submit.
func Record(clock *Clock, family job.Family, id job.ID, maxAttempts int) *job.Record {
	now := clock.Now()
	return &job.Record{
		ID:          id,
		Family:      family,
		TaskName:    string(job.Kinds(family)[0]),
		Payload:     []byte(`{"orgId":"org-1"}`),
		State:       job.StateQueued,
		MaxAttempts: maxAttempts,
		TenantID:    "org-1",
		AvailableAt: now,
		EnqueuedAt:  now,
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b broker.Broker, clock *Clock)
	}{
		{"SubmitIdempotent", testSubmitIdempotent},
		{"ClaimEmpty", testClaimEmpty},
		{"ClaimFIFO", testClaimFIFO},
		{"FamiliesIsolated", testFamiliesIsolated},
		{"AckRequiresClaim", testAckRequiresClaim},
		{"NackRetry", testNackRetry},
		{"NackTerminal", testNackTerminal},
		{"ReclaimAfterLease", testReclaimAfterLease},
		{"ReclaimExhausted", testReclaimExhausted},
		{"StatsAndPurge", testStatsAndPurge},
		{"ConcurrentClaimsExclusive", testConcurrentClaimsExclusive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewClock()
			b := factory(t, clock)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b, clock)
		})
	}
}

func mustSubmit(t *testing.T, b broker.Broker, rec *job.Record) {
	t.Helper()
	created, err := b.Submit(context.Background(), rec)
	if err != nil {
		t.Fatalf("Submit(%s): %v", rec.ID, err)
	}
	if !created {
		t.Fatalf("Submit(%s): expected a new record", rec.ID)
	}
}

func mustClaim(t *testing.T, b broker.Broker, family job.Family, lease time.Duration) *job.Record {
	t.Helper()
	rec, err := b.Claim(context.Background(), family, lease)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if rec == nil {
		t.Fatal("Claim: expected a record, queue was empty")
	}
	return rec
}

func mustGet(t *testing.T, b broker.Broker, family job.Family, id job.ID) *job.Record {
	t.Helper()
	rec, err := b.Get(context.Background(), family, id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return rec
}

func testSubmitIdempotent(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	mustSubmit(t, b, Record(clock, job.FamilyImport, "imp-1", 3))

	dup := Record(clock, job.FamilyImport, "imp-1", 3)
	dup.Payload = []byte(`{"orgId":"other"}`)
	created, err := b.Submit(ctx, dup)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if created {
		t.Fatal("resubmit created a duplicate")
	}

	got := mustGet(t, b, job.FamilyImport, "imp-1")
	if string(got.Payload) != `{"orgId":"org-1"}` {
		t.Errorf("payload overwritten: %s", got.Payload)
	}

	st, err := b.Stats(ctx, job.FamilyImport)
	if err != nil {
		t.Fatal(err)
	}
	if st.Queued != 1 {
		t.Errorf("queued = %d, want 1", st.Queued)
	}
}

func testClaimEmpty(t *testing.T, b broker.Broker, _ *Clock) {
	rec, err := b.Claim(context.Background(), job.FamilyExport, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func testClaimFIFO(t *testing.T, b broker.Broker, clock *Clock) {
	for i := 1; i <= 3; i++ {
		mustSubmit(t, b, Record(clock, job.FamilyExport, job.ID(fmt.Sprintf("exp-%d", i)), 3))
		clock.Advance(time.Millisecond)
	}

	for i := 1; i <= 3; i++ {
		rec := mustClaim(t, b, job.FamilyExport, time.Minute)
		want := job.ID(fmt.Sprintf("exp-%d", i))
		if rec.ID != want {
			t.Fatalf("claim %d = %s, want %s", i, rec.ID, want)
		}
		if rec.State != job.StateActive || rec.Attempts != 1 || rec.ClaimToken == "" {
			t.Errorf("claimed record = %+v", rec)
		}
		if rec.ClaimDeadline == nil || !rec.ClaimDeadline.Equal(clock.Now().Add(time.Minute)) {
			t.Errorf("claim deadline = %v", rec.ClaimDeadline)
		}
	}
}

func testFamiliesIsolated(t *testing.T, b broker.Broker, clock *Clock) {
	mustSubmit(t, b, Record(clock, job.FamilyAI, "shared-id", 3))
	mustSubmit(t, b, Record(clock, job.FamilyImport, "shared-id", 3))

	rec, err := b.Claim(context.Background(), job.FamilyExport, time.Minute)
	if err != nil || rec != nil {
		t.Fatalf("export claim = %v, %v; want empty", rec, err)
	}
	rec = mustClaim(t, b, job.FamilyAI, time.Minute)
	if rec.Family != job.FamilyAI {
		t.Errorf("family = %s", rec.Family)
	}
	if got := mustGet(t, b, job.FamilyImport, "shared-id"); got.State != job.StateQueued {
		t.Errorf("import record state = %s, want queued", got.State)
	}
}

func testAckRequiresClaim(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	mustSubmit(t, b, Record(clock, job.FamilyExport, "exp-1", 3))
	rec := mustClaim(t, b, job.FamilyExport, time.Minute)

	if err := b.Ack(ctx, job.FamilyExport, rec.ID, "not-the-token", nil); !errors.Is(err, dispatch.ErrNotClaimHolder) {
		t.Fatalf("Ack with wrong token = %v, want ErrNotClaimHolder", err)
	}
	if err := b.Ack(ctx, job.FamilyExport, "missing", rec.ClaimToken, nil); !errors.Is(err, dispatch.ErrJobNotFound) {
		t.Fatalf("Ack of missing job = %v, want ErrJobNotFound", err)
	}

	result := []byte(`{"downloadUrl":"s3://exports/exp-1.zip"}`)
	if err := b.Ack(ctx, job.FamilyExport, rec.ID, rec.ClaimToken, result); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	got := mustGet(t, b, job.FamilyExport, rec.ID)
	if got.State != job.StateCompleted || string(got.Result) != string(result) || got.FinishedAt == nil {
		t.Errorf("completed record = %+v", got)
	}

	// A second ack is rejected: completed is terminal.
	if err := b.Ack(ctx, job.FamilyExport, rec.ID, rec.ClaimToken, result); !errors.Is(err, dispatch.ErrNotClaimHolder) {
		t.Errorf("double ack = %v, want ErrNotClaimHolder", err)
	}
}

func testNackRetry(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	mustSubmit(t, b, Record(clock, job.FamilyImport, "imp-1", 3))
	rec := mustClaim(t, b, job.FamilyImport, time.Minute)

	err := b.Nack(ctx, job.FamilyImport, rec.ID, rec.ClaimToken, broker.Failure{
		Error:   "upstream timeout",
		Kind:    job.FailureRetryable,
		Retry:   true,
		RetryAt: clock.Now().Add(30 * time.Second),
	})
	if err != nil {
		t.Fatalf("Nack: %v", err)
	}

	got := mustGet(t, b, job.FamilyImport, rec.ID)
	if got.State != job.StateQueued || got.Attempts != 1 || got.LastError != "upstream timeout" {
		t.Errorf("requeued record = %+v", got)
	}
	if got.FailureKind != job.FailureRetryable {
		t.Errorf("failure kind = %q", got.FailureKind)
	}

	if early, err := b.Claim(ctx, job.FamilyImport, time.Minute); err != nil || early != nil {
		t.Fatalf("claim before backoff elapsed = %v, %v", early, err)
	}

	clock.Advance(31 * time.Second)
	again := mustClaim(t, b, job.FamilyImport, time.Minute)
	if again.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", again.Attempts)
	}
	if again.ClaimToken == rec.ClaimToken {
		t.Error("second claim reused the first token")
	}
	if err := b.Ack(ctx, job.FamilyImport, rec.ID, rec.ClaimToken, nil); !errors.Is(err, dispatch.ErrNotClaimHolder) {
		t.Errorf("stale token ack = %v, want ErrNotClaimHolder", err)
	}
}

func testNackTerminal(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	mustSubmit(t, b, Record(clock, job.FamilyAI, "ai-1", 3))
	rec := mustClaim(t, b, job.FamilyAI, time.Minute)

	err := b.Nack(ctx, job.FamilyAI, rec.ID, rec.ClaimToken, broker.Failure{
		Error: "prompt rejected",
		Kind:  job.FailureTerminal,
	})
	if err != nil {
		t.Fatalf("Nack: %v", err)
	}

	got := mustGet(t, b, job.FamilyAI, rec.ID)
	if got.State != job.StateFailed || got.FinishedAt == nil || got.FailureKind != job.FailureTerminal {
		t.Errorf("failed record = %+v", got)
	}
	if next, err := b.Claim(ctx, job.FamilyAI, time.Minute); err != nil || next != nil {
		t.Errorf("failed record was claimable: %v, %v", next, err)
	}
}

func testReclaimAfterLease(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	mustSubmit(t, b, Record(clock, job.FamilyExport, "exp-1", 3))
	rec := mustClaim(t, b, job.FamilyExport, time.Minute)

	moved, err := b.Reclaim(ctx, job.FamilyExport, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 0 {
		t.Fatalf("reclaimed before the lease expired: %+v", moved)
	}

	clock.Advance(2 * time.Minute)
	moved, err = b.Reclaim(ctx, job.FamilyExport, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 1 || moved[0].ID != rec.ID || moved[0].State != job.StateQueued || moved[0].Attempts != 1 {
		t.Fatalf("reclaimed = %+v", moved)
	}
	m := moved[0]
	if m.TaskName != rec.TaskName || m.TenantID != "org-1" || m.MaxAttempts != 3 {
		t.Errorf("reclaimed attribution = %+v", m)
	}

	got := mustGet(t, b, job.FamilyExport, rec.ID)
	if got.State != job.StateQueued || got.FailureKind != job.FailureReclaimed {
		t.Errorf("reclaimed record = %+v", got)
	}

	if err := b.Ack(ctx, job.FamilyExport, rec.ID, rec.ClaimToken, nil); !errors.Is(err, dispatch.ErrNotClaimHolder) {
		t.Errorf("late ack = %v, want ErrNotClaimHolder", err)
	}

	again := mustClaim(t, b, job.FamilyExport, time.Minute)
	if again.Attempts != 2 {
		t.Errorf("attempts after reclaim = %d, want 2", again.Attempts)
	}
}

func testReclaimExhausted(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	mustSubmit(t, b, Record(clock, job.FamilyImport, "imp-1", 1))
	mustClaim(t, b, job.FamilyImport, time.Minute)

	clock.Advance(time.Hour)
	moved, err := b.Reclaim(ctx, job.FamilyImport, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 1 || moved[0].State != job.StateFailed {
		t.Fatalf("reclaimed = %+v", moved)
	}
	got := mustGet(t, b, job.FamilyImport, "imp-1")
	if got.State != job.StateFailed || got.FailureKind != job.FailureReclaimed || got.LastError == "" {
		t.Errorf("exhausted record = %+v", got)
	}
}

func testStatsAndPurge(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	for _, id := range []job.ID{"a", "b", "c", "d"} {
		mustSubmit(t, b, Record(clock, job.FamilyExport, id, 1))
	}

	done := mustClaim(t, b, job.FamilyExport, time.Minute)
	if err := b.Ack(ctx, job.FamilyExport, done.ID, done.ClaimToken, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	failed := mustClaim(t, b, job.FamilyExport, time.Minute)
	if err := b.Nack(ctx, job.FamilyExport, failed.ID, failed.ClaimToken, broker.Failure{Error: "x", Kind: job.FailureTerminal}); err != nil {
		t.Fatal(err)
	}
	mustClaim(t, b, job.FamilyExport, time.Minute)

	st, err := b.Stats(ctx, job.FamilyExport)
	if err != nil {
		t.Fatal(err)
	}
	want := broker.Stats{Queued: 1, Active: 1, Completed: 1, Failed: 1}
	if st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}

	clock.Advance(time.Hour)
	n, err := b.Purge(ctx, job.FamilyExport, clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("purged %d, want 2", n)
	}
	if _, err := b.Get(ctx, job.FamilyExport, done.ID); !errors.Is(err, dispatch.ErrJobNotFound) {
		t.Errorf("purged record still readable: %v", err)
	}

	// A purged id may be submitted again as a new job.
	created, err := b.Submit(ctx, Record(clock, job.FamilyExport, done.ID, 1))
	if err != nil || !created {
		t.Errorf("resubmit after purge = %v, %v", created, err)
	}
}

func testConcurrentClaimsExclusive(t *testing.T, b broker.Broker, clock *Clock) {
	const jobs = 50
	for i := range jobs {
		mustSubmit(t, b, Record(clock, job.FamilyImport, job.ID(fmt.Sprintf("imp-%03d", i)), 3))
	}

	for workers := 2; workers <= 10; workers += 4 {
		var (
			mu      sync.Mutex
			claimed = make(map[job.ID]int)
			wg      sync.WaitGroup
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					rec, err := b.Claim(context.Background(), job.FamilyImport, time.Minute)
					if errors.Is(err, dispatch.ErrClaimConflict) {
						continue
					}
					if err != nil {
						t.Errorf("Claim: %v", err)
						return
					}
					if rec == nil {
						return
					}
					mu.Lock()
					claimed[rec.ID]++
					mu.Unlock()
					if err := b.Nack(context.Background(), job.FamilyImport, rec.ID, rec.ClaimToken, broker.Failure{
						Error: "again", Kind: job.FailureRetryable, Retry: true, RetryAt: clock.Now().Add(time.Hour),
					}); err != nil {
						t.Errorf("Nack: %v", err)
					}
				}
			}()
		}
		wg.Wait()

		if len(claimed) != jobs {
			t.Fatalf("workers=%d: claimed %d distinct jobs, want %d", workers, len(claimed), jobs)
		}
		for id, n := range claimed {
			if n != 1 {
				t.Fatalf("workers=%d: %s claimed %d times", workers, id, n)
			}
		}
		// Make every job claimable again for the next round.
		clock.Advance(2 * time.Hour)
	}
}
