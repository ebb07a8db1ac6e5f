package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Mudityadev/charles-map/dispatch/job"
)

// recordToMap flattens a record into hash fields. Timestamps are unix ms so
// the Lua scripts can compare and store them without parsing.
func recordToMap(r *job.Record) map[string]any {
	m := map[string]any{
		"id":           string(r.ID),
		"family":       string(r.Family),
		"task_name":    r.TaskName,
		"payload":      string(r.Payload),
		"state":        string(r.State),
		"attempts":     strconv.Itoa(r.Attempts),
		"max_attempts": strconv.Itoa(r.MaxAttempts),
		"tenant_id":    r.TenantID,
		"user_id":      r.UserID,
		"available_at": ms(r.AvailableAt),
		"enqueued_at":  ms(r.EnqueuedAt),
	}
	if r.LastError != "" {
		m["last_error"] = r.LastError
	}
	if r.FailureKind != job.FailureNone {
		m["failure_kind"] = string(r.FailureKind)
	}
	if r.Result != nil {
		m["result"] = string(r.Result)
	}
	return m
}

func mapToRecord(m map[string]string) (*job.Record, error) {
	r := &job.Record{
		ID:          job.ID(m["id"]),
		Family:      job.Family(m["family"]),
		TaskName:    m["task_name"],
		Payload:     []byte(m["payload"]),
		State:       job.State(m["state"]),
		LastError:   m["last_error"],
		FailureKind: job.FailureKind(m["failure_kind"]),
		TenantID:    m["tenant_id"],
		UserID:      m["user_id"],
		ClaimToken:  m["claim_token"],
	}
	if v, ok := m["result"]; ok {
		r.Result = []byte(v)
	}

	var err error
	if r.Attempts, err = parseInt(m["attempts"]); err != nil {
		return nil, fmt.Errorf("dispatch/redis: decode attempts: %w", err)
	}
	if r.MaxAttempts, err = parseInt(m["max_attempts"]); err != nil {
		return nil, fmt.Errorf("dispatch/redis: decode max_attempts: %w", err)
	}

	times := []struct {
		field string
		dst   *time.Time
	}{
		{"available_at", &r.AvailableAt},
		{"enqueued_at", &r.EnqueuedAt},
	}
	for _, tf := range times {
		if *tf.dst, err = parseMS(m[tf.field]); err != nil {
			return nil, fmt.Errorf("dispatch/redis: decode %s: %w", tf.field, err)
		}
	}

	optional := []struct {
		field string
		dst   **time.Time
	}{
		{"claim_deadline", &r.ClaimDeadline},
		{"started_at", &r.StartedAt},
		{"finished_at", &r.FinishedAt},
	}
	for _, tf := range optional {
		v, ok := m[tf.field]
		if !ok || v == "" {
			continue
		}
		t, err := parseMS(v)
		if err != nil {
			return nil, fmt.Errorf("dispatch/redis: decode %s: %w", tf.field, err)
		}
		*tf.dst = &t
	}

	return r, nil
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func parseMS(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(n).UTC(), nil
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
