package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/backoff"
	"github.com/Mudityadev/charles-map/dispatch/broker/memory"
	"github.com/Mudityadev/charles-map/dispatch/engine"
	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/submit"
	"github.com/Mudityadev/charles-map/dispatch/tasks"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.BrokerDriver = dispatch.DriverMemory
	cfg.ClaimWait = 20 * time.Millisecond
	cfg.PollInterval = 2 * time.Millisecond
	cfg.ReclaimInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func build(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	base := []engine.Option{
		engine.WithLogger(quietLogger()),
		engine.WithBackoff(backoff.NewConstant(0)),
	}
	eng, err := engine.Build(context.Background(), testConfig(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return eng
}

func stop(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func waitStatus(t *testing.T, eng *engine.Engine, family job.Family, id job.ID, want job.State) *submit.Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st, err := eng.Client().Status(context.Background(), family, id)
		if err == nil && st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not reach %s (last %+v, %v)", id, want, st, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuildRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.BrokerDriver = "kafka"
	_, err := engine.Build(context.Background(), cfg, engine.WithLogger(quietLogger()))
	if !errors.Is(err, dispatch.ErrUnknownDriver) {
		t.Fatalf("Build = %v, want ErrUnknownDriver", err)
	}
}

func TestOpenBrokerMemory(t *testing.T) {
	b, err := engine.OpenBroker(context.Background(), testConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*memory.Broker); !ok {
		t.Fatalf("broker = %T, want *memory.Broker", b)
	}
}

func TestStartRequiresHandlers(t *testing.T) {
	eng := build(t)
	tasks.Default(quietLogger()).Register(eng.Registry(), job.FamilyImport, job.FamilyExport)

	err := eng.Start(context.Background())
	if !errors.Is(err, dispatch.ErrNoHandler) {
		t.Fatalf("Start = %v, want ErrNoHandler", err)
	}
	stop(t, eng)
}

func TestStartTwice(t *testing.T) {
	eng := build(t)
	tasks.Default(quietLogger()).Register(eng.Registry())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, eng)

	if err := eng.Start(context.Background()); !errors.Is(err, dispatch.ErrEngineAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrEngineAlreadyStarted", err)
	}
}

func TestEndToEndExport(t *testing.T) {
	eng := build(t)
	tasks.Default(quietLogger()).Register(eng.Registry())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, eng)

	id, err := eng.Client().EnqueueExport(context.Background(), submit.ExportRequest{
		ID: "exp-42", ProjectID: "proj-1", Format: "png", DPI: 300, OrgID: "org_456", UserID: "user_123",
	})
	if err != nil {
		t.Fatalf("EnqueueExport: %v", err)
	}
	if id != "exp-42" {
		t.Fatalf("id = %q", id)
	}

	st := waitStatus(t, eng, job.FamilyExport, id, job.StateCompleted)
	var res tasks.ExportResult
	if err := json.Unmarshal(st.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.DownloadURL != "s3://exports/exp-42.zip" {
		t.Errorf("downloadUrl = %q", res.DownloadURL)
	}
	if st.Attempts != 1 || st.Queue != "EXPORT_QUEUE" {
		t.Errorf("status = %+v", st)
	}
}

func TestEndToEndAllFamilies(t *testing.T) {
	eng := build(t)
	tasks.Default(quietLogger()).Register(eng.Registry())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, eng)

	ctx := context.Background()
	client := eng.Client()
	imp, err := client.EnqueueImport(ctx, submit.ImportRequest{FileName: "parcels.geojson", OrgID: "org-1", UserID: "u-1"})
	if err != nil {
		t.Fatal(err)
	}
	ai, err := client.EnqueueAITask(ctx, submit.AIRequest{
		ProjectID: "proj-1", Task: "text2map", Prompt: "bike lanes in Lisbon", OrgID: "org-1", UserID: "u-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	waitStatus(t, eng, job.FamilyImport, imp, job.StateCompleted)
	st := waitStatus(t, eng, job.FamilyAI, ai, job.StateCompleted)
	if st.TaskName != "text2map" {
		t.Errorf("task = %q", st.TaskName)
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats["IMPORT_QUEUE"].Completed != 1 || stats["AI_QUEUE"].Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if m := eng.WorkerMetrics()["AI_QUEUE"]; m.Completed != 1 {
		t.Errorf("ai worker metrics = %+v", m)
	}
}

func TestSubmitOnlyEngine(t *testing.T) {
	eng := build(t, engine.WithServe())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start without handlers: %v", err)
	}
	defer stop(t, eng)

	id, err := eng.Client().EnqueueImport(context.Background(), submit.ImportRequest{
		FileName: "roads.kml", SourceType: "kml", OrgID: "org-1", UserID: "u-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	st, err := eng.Client().Status(context.Background(), job.FamilyImport, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != job.StateQueued {
		t.Errorf("state = %s, want queued", st.State)
	}
	if len(eng.WorkerMetrics()) != 0 {
		t.Errorf("submit-only engine runs workers: %+v", eng.WorkerMetrics())
	}
}

type completions struct {
	mu   sync.Mutex
	ids  []job.ID
	down bool
}

func (c *completions) Name() string { return "completions" }

func (c *completions) OnJobCompleted(_ context.Context, r *job.Record, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, r.ID)
	return nil
}

func (c *completions) OnShutdown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = true
	return nil
}

func TestExtensionsAndTracing(t *testing.T) {
	rec := &completions{}
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	eng := build(t, engine.WithExtension(rec), engine.WithTracerProvider(tp), engine.WithServe(job.FamilyImport))
	tasks.Default(quietLogger()).Register(eng.Registry(), job.FamilyImport)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	id, err := eng.Client().EnqueueImport(context.Background(), submit.ImportRequest{
		ID: "imp-7", FileName: "parcels.geojson", OrgID: "org-1", UserID: "u-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, eng, job.FamilyImport, id, job.StateCompleted)
	stop(t, eng)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.ids) != 1 || rec.ids[0] != "imp-7" {
		t.Errorf("completed = %v", rec.ids)
	}
	if !rec.down {
		t.Error("shutdown hook not called")
	}

	var found bool
	for _, s := range sr.Ended() {
		if s.Name() == "dispatch.job.execute" {
			found = true
		}
	}
	if !found {
		t.Error("no job span recorded")
	}
}

func TestStopLeavesInjectedBrokerOpen(t *testing.T) {
	b := memory.New()
	eng := build(t, engine.WithBroker(b))
	tasks.Default(quietLogger()).Register(eng.Registry())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	stop(t, eng)

	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("injected broker closed by engine: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	eng := build(t)
	tasks.Default(quietLogger()).Register(eng.Registry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := eng.Broker().Ping(context.Background()); !errors.Is(err, dispatch.ErrBrokerClosed) {
		t.Errorf("owned broker still open: %v", err)
	}
}

func TestImportScenario(t *testing.T) {
	eng := build(t, engine.WithServe(job.FamilyImport))
	tasks.Default(quietLogger()).Register(eng.Registry(), job.FamilyImport)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, eng)

	id, err := eng.Client().EnqueueImport(context.Background(), submit.ImportRequest{
		SourceType: "geojson", FileName: "a.json", OrgID: "org-1", UserID: "u-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	st := waitStatus(t, eng, job.FamilyImport, id, job.StateCompleted)
	if string(st.Result) != `{"status":"completed"}` {
		t.Errorf("result = %s", st.Result)
	}
}
