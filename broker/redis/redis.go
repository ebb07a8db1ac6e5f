// Package redis implements broker.Broker on Redis. Each family keeps its
// records as hashes and tracks queued and active ids in sorted sets scored
// by time, so claim, ack, nack and reclaim are single Lua round trips.
//
// Usage:
//
//	client, err := redis.Connect(ctx, os.Getenv("REDIS_URL"))
//	b := redis.New(client, redis.WithRetention(7*24*time.Hour))
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/broker"
	"github.com/Mudityadev/charles-map/dispatch/job"
)

var _ broker.Broker = (*Broker)(nil)

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithPrefix namespaces every key. Default "dispatch".
func WithPrefix(p string) Option {
	return func(b *Broker) { b.keys.prefix = p }
}

// WithRetention sets the TTL applied to completed and failed records.
// Zero keeps them until Purge.
func WithRetention(d time.Duration) Option {
	return func(b *Broker) { b.retention = d }
}

// WithClock replaces time.Now.
func WithClock(c broker.Clock) Option {
	return func(b *Broker) { b.now = c }
}

// WithOwnedClient makes Close also close the client.
func WithOwnedClient() Option {
	return func(b *Broker) { b.owned = true }
}

// Broker is a Redis-backed broker.Broker.
type Broker struct {
	client    goredis.UniversalClient
	keys      keys
	retention time.Duration
	now       broker.Clock
	logger    *slog.Logger
	owned     bool
}

// Connect opens the process-wide client from a redis:// URL and verifies it.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dispatch/redis: connect: %w", err)
	}
	return client, nil
}

// New creates a Broker over client. The caller owns the client unless
// WithOwnedClient is given.
func New(client goredis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{
		client: client,
		keys:   keys{prefix: "dispatch"},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Client returns the underlying Redis client.
func (b *Broker) Client() goredis.UniversalClient { return b.client }

func (b *Broker) Submit(ctx context.Context, rec *job.Record) (bool, error) {
	fields := recordToMap(rec)
	fields["state"] = string(job.StateQueued)

	args := make([]any, 0, 2+2*len(fields))
	args = append(args, string(rec.ID), ms(rec.AvailableAt))
	for k, v := range fields {
		args = append(args, k, v)
	}

	f := rec.Family
	n, err := submitScript.Run(ctx, b.client,
		[]string{b.keys.job(f, rec.ID), b.keys.queued(f), b.keys.completed(f), b.keys.failed(f)},
		args...,
	).Int()
	if err != nil {
		return false, fmt.Errorf("dispatch/redis: submit: %w", err)
	}
	return n == 1, nil
}

func (b *Broker) Claim(ctx context.Context, family job.Family, lease time.Duration) (*job.Record, error) {
	now := b.now()
	res, err := claimScript.Run(ctx, b.client,
		[]string{b.keys.queued(family), b.keys.active(family)},
		ms(now), ms(now.Add(lease)), uuid.NewString(), b.keys.jobPrefix(family),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil //nolint:nilnil // empty queue is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: claim: %w", err)
	}

	m, err := pairs(res)
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: claim: %w", err)
	}
	return mapToRecord(m)
}

func (b *Broker) Ack(ctx context.Context, family job.Family, id job.ID, token string, result []byte) error {
	now := b.now()
	n, err := ackScript.Run(ctx, b.client,
		[]string{b.keys.job(family, id), b.keys.active(family), b.keys.completed(family)},
		string(id), token, ms(now), string(result), b.retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("dispatch/redis: ack: %w", err)
	}
	return claimResult(n)
}

func (b *Broker) Nack(ctx context.Context, family job.Family, id job.ID, token string, f broker.Failure) error {
	now := b.now()
	retry := "0"
	if f.Retry {
		retry = "1"
	}
	n, err := nackScript.Run(ctx, b.client,
		[]string{b.keys.job(family, id), b.keys.active(family), b.keys.queued(family), b.keys.failed(family)},
		string(id), token, ms(now), retry, ms(f.RetryAt), job.TruncateError(f.Error), string(f.Kind),
		b.retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("dispatch/redis: nack: %w", err)
	}
	return claimResult(n)
}

func (b *Broker) Reclaim(ctx context.Context, family job.Family, limit int) ([]broker.Reclaimed, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := reclaimScript.Run(ctx, b.client,
		[]string{b.keys.active(family), b.keys.queued(family), b.keys.failed(family)},
		ms(b.now()), limit, b.keys.jobPrefix(family), dispatch.ErrReclaimTimeout.Error(), b.retention.Milliseconds(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: reclaim: %w", err)
	}

	const width = 7
	out := make([]broker.Reclaimed, 0, len(res)/width)
	for i := 0; i+width-1 < len(res); i += width {
		attempts, err := parseInt(res[i+2])
		if err != nil {
			return nil, fmt.Errorf("dispatch/redis: reclaim: attempts of %s: %w", res[i], err)
		}
		maxAttempts, err := parseInt(res[i+3])
		if err != nil {
			return nil, fmt.Errorf("dispatch/redis: reclaim: max_attempts of %s: %w", res[i], err)
		}
		out = append(out, broker.Reclaimed{
			ID:          job.ID(res[i]),
			State:       job.State(res[i+1]),
			Attempts:    attempts,
			MaxAttempts: maxAttempts,
			TaskName:    res[i+4],
			TenantID:    res[i+5],
			UserID:      res[i+6],
		})
	}
	return out, nil
}

func (b *Broker) Get(ctx context.Context, family job.Family, id job.ID) (*job.Record, error) {
	m, err := b.client.HGetAll(ctx, b.keys.job(family, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatch/redis: get job: %w", err)
	}
	if len(m) == 0 {
		return nil, dispatch.ErrJobNotFound
	}
	return mapToRecord(m)
}

func (b *Broker) Stats(ctx context.Context, family job.Family) (broker.Stats, error) {
	pipe := b.client.Pipeline()
	queued := pipe.ZCard(ctx, b.keys.queued(family))
	active := pipe.ZCard(ctx, b.keys.active(family))
	completed := pipe.ZCard(ctx, b.keys.completed(family))
	failed := pipe.ZCard(ctx, b.keys.failed(family))
	if _, err := pipe.Exec(ctx); err != nil {
		return broker.Stats{}, fmt.Errorf("dispatch/redis: stats: %w", err)
	}
	return broker.Stats{
		Queued:    queued.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (b *Broker) Purge(ctx context.Context, family job.Family, cutoff time.Time) (int, error) {
	n, err := purgeScript.Run(ctx, b.client,
		[]string{b.keys.completed(family), b.keys.failed(family)},
		ms(cutoff), b.keys.jobPrefix(family),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("dispatch/redis: purge: %w", err)
	}
	return n, nil
}

// Ping verifies the Redis connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client only when the broker owns it.
func (b *Broker) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

func claimResult(n int) error {
	switch n {
	case -1:
		return dispatch.ErrJobNotFound
	case 0:
		return dispatch.ErrNotClaimHolder
	default:
		return nil
	}
}

func pairs(res []any) (map[string]string, error) {
	if len(res)%2 != 0 {
		return nil, fmt.Errorf("odd reply length %d", len(res))
	}
	m := make(map[string]string, len(res)/2)
	for i := 0; i < len(res); i += 2 {
		k, ok1 := res[i].(string)
		v, ok2 := res[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("unexpected reply types %T/%T", res[i], res[i+1])
		}
		m[k] = v
	}
	return m, nil
}
