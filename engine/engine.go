package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/backoff"
	"github.com/Mudityadev/charles-map/dispatch/broker"
	"github.com/Mudityadev/charles-map/dispatch/ext"
	"github.com/Mudityadev/charles-map/dispatch/job"
	mw "github.com/Mudityadev/charles-map/dispatch/middleware"
	"github.com/Mudityadev/charles-map/dispatch/observability"
	"github.com/Mudityadev/charles-map/dispatch/queue"
	"github.com/Mudityadev/charles-map/dispatch/retry"
	"github.com/Mudityadev/charles-map/dispatch/submit"
	"github.com/Mudityadev/charles-map/dispatch/worker"
)

const instrumentation = "github.com/Mudityadev/charles-map/dispatch"

// Engine owns the broker connection, one queue per family, the workers of
// the families this process serves, and the submission client.
type Engine struct {
	cfg        dispatch.Config
	broker     broker.Broker
	ownsBroker bool
	extensions *ext.Registry
	registry   *job.Registry
	queues     map[job.Family]*queue.Queue
	workers    map[job.Family]*worker.Worker
	client     *submit.Client
	logger     *slog.Logger

	// Build-time settings.
	serve          []job.Family
	exts           []ext.Extension
	mws            []mw.Middleware
	gate           submit.Gate
	backoff        backoff.Strategy
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu      sync.Mutex
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithBroker uses b instead of opening the configured driver. The caller
// keeps ownership of b.
func WithBroker(b broker.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithExtension registers an extension with the engine.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.exts = append(e.exts, x) }
}

// WithMiddleware adds middleware to every worker's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithServe limits the families this process runs workers for. By default
// every family is served; pass none at all for a submit-only process.
func WithServe(families ...job.Family) Option {
	return func(e *Engine) { e.serve = families }
}

// WithGate enables plan-tier gating on submissions.
func WithGate(g submit.Gate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithBackoff sets the retry delay strategy for all families.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithTracerProvider sets a custom OTel TracerProvider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware and the observability extension.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Build validates cfg, connects the broker (unless WithBroker is given) and
// creates queues for all families plus workers for the served ones.
// Register handlers on Registry before Start.
func Build(ctx context.Context, cfg dispatch.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		registry: job.NewRegistry(),
		queues:   make(map[job.Family]*queue.Queue),
		workers:  make(map[job.Family]*worker.Worker),
		serve:    job.Families(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backoff == nil {
		e.backoff = backoff.DefaultStrategy()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if e.broker == nil {
		b, err := OpenBroker(ctx, cfg, e.logger)
		if err != nil {
			return nil, err
		}
		e.broker = b
		e.ownsBroker = true
	}

	e.extensions = ext.NewRegistry(e.logger)
	e.extensions.Register(e.metricsExtension())
	for _, x := range e.exts {
		e.extensions.Register(x)
	}

	for _, family := range job.Families() {
		q, err := e.buildQueue(family)
		if err != nil {
			e.closeBroker()
			return nil, err
		}
		e.queues[family] = q
	}

	chain := append([]mw.Middleware{mw.Logging(e.logger), e.tracing(), e.metrics()}, e.mws...)
	for _, family := range e.serve {
		fc, err := cfg.Family(string(family))
		if err != nil {
			e.closeBroker()
			return nil, err
		}
		e.workers[family] = worker.New(e.queues[family], e.registry,
			worker.WithConcurrency(fc.Concurrency),
			worker.WithExecutionTimeout(fc.ExecutionTimeout),
			worker.WithReclaimInterval(cfg.ReclaimInterval),
			worker.WithErrorBackoff(cfg.PollInterval),
			worker.WithMiddleware(chain...),
			worker.WithLogger(e.logger),
		)
	}

	queues := make([]*queue.Queue, 0, len(e.queues))
	for _, family := range job.Families() {
		queues = append(queues, e.queues[family])
	}
	clientOpts := []submit.Option{submit.WithLogger(e.logger)}
	if e.gate != nil {
		clientOpts = append(clientOpts, submit.WithGate(e.gate))
	}
	e.client = submit.New(queues, clientOpts...)

	return e, nil
}

func (e *Engine) buildQueue(family job.Family) (*queue.Queue, error) {
	fc, err := e.cfg.Family(string(family))
	if err != nil {
		return nil, err
	}
	return queue.New(family, e.broker,
		queue.WithPolicy(retry.Policy{
			MaxAttempts:      fc.MaxAttempts,
			Backoff:          e.backoff,
			DefaultRetryable: true,
		}),
		queue.WithVisibilityTimeout(fc.VisibilityTimeout),
		queue.WithClaimWait(e.cfg.ClaimWait),
		queue.WithPollInterval(e.cfg.PollInterval),
		queue.WithRetention(e.cfg.RetentionTTL),
		queue.WithTenantLimiter(tenantLimiter(fc)),
		queue.WithExtensions(e.extensions),
		queue.WithLogger(e.logger),
	)
}

func tenantLimiter(fc dispatch.FamilyConfig) *queue.TenantLimiter {
	l := queue.NewTenantLimiter(fc.TenantRate, fc.TenantBurst)
	for org, r := range fc.TenantOverrides {
		l.SetTenantConfig(queue.TenantConfig{TenantID: org, RateLimit: r, RateBurst: fc.TenantBurst})
	}
	return l
}

// Start launches the workers. Every served family needs at least one
// registered handler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return dispatch.ErrEngineAlreadyStarted
	}
	if err := e.checkHandlers(); err != nil {
		return err
	}

	for _, family := range e.serve {
		if err := e.workers[family].Start(ctx); err != nil {
			return fmt.Errorf("start %s worker: %w", family.QueueName(), err)
		}
	}
	e.started = true
	return nil
}

// Stop drains all workers in parallel, emits the shutdown hook and closes
// the broker if the engine opened it.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.started = false
	e.mu.Unlock()

	if started {
		var g errgroup.Group
		for _, w := range e.workers {
			g.Go(func() error { return w.Stop(ctx) })
		}
		if err := g.Wait(); err != nil {
			e.logger.Error("worker stop error", slog.String("error", err.Error()))
		}
	}

	e.extensions.EmitShutdown(ctx)
	return e.closeBroker()
}

// Run starts the engine, blocks until ctx is done, then stops it within
// the configured shutdown timeout.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	defer cancel()
	return e.Stop(stopCtx)
}

// Stats counts records per state for every queue, keyed by queue name.
func (e *Engine) Stats(ctx context.Context) (map[string]broker.Stats, error) {
	out := make(map[string]broker.Stats, len(e.queues))
	for _, family := range job.Families() {
		st, err := e.queues[family].Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[family.QueueName()] = st
	}
	return out, nil
}

// WorkerMetrics snapshots the counters of every running worker.
func (e *Engine) WorkerMetrics() map[string]worker.Metrics {
	out := make(map[string]worker.Metrics, len(e.workers))
	for family, w := range e.workers {
		out[family.QueueName()] = w.Metrics()
	}
	return out
}

// Client returns the submission client covering every family.
func (e *Engine) Client() *submit.Client { return e.client }

// Registry returns the task handler registry.
func (e *Engine) Registry() *job.Registry { return e.registry }

func (e *Engine) Extensions() *ext.Registry { return e.extensions }

func (e *Engine) Broker() broker.Broker { return e.broker }

func (e *Engine) Config() dispatch.Config { return e.cfg }

// Queue returns the queue of family f.
func (e *Engine) Queue(f job.Family) *queue.Queue { return e.queues[f] }

// Ping checks the broker connection.
func (e *Engine) Ping(ctx context.Context) error { return e.broker.Ping(ctx) }

func (e *Engine) checkHandlers() error {
	kinds := e.registry.Kinds()
	for _, family := range e.serve {
		found := false
		for _, k := range kinds {
			if k.Family() == family {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w for %s", dispatch.ErrNoHandler, family.QueueName())
		}
	}
	return nil
}

func (e *Engine) closeBroker() error {
	if !e.ownsBroker {
		return nil
	}
	e.ownsBroker = false
	return e.broker.Close()
}

func (e *Engine) tracing() mw.Middleware {
	if e.tracerProvider != nil {
		return mw.TracingWithTracer(e.tracerProvider.Tracer(instrumentation))
	}
	return mw.Tracing()
}

func (e *Engine) metrics() mw.Middleware {
	if e.meterProvider != nil {
		return mw.MetricsWithMeter(e.meterProvider.Meter(instrumentation))
	}
	return mw.Metrics()
}

func (e *Engine) metricsExtension() *observability.MetricsExtension {
	if e.meterProvider != nil {
		return observability.NewMetricsExtensionWithMeter(e.meterProvider.Meter(instrumentation + "/observability"))
	}
	return observability.NewMetricsExtension()
}
