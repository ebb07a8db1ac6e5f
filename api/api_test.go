package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/api"
	"github.com/Mudityadev/charles-map/dispatch/engine"
	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/submit"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newServer(t *testing.T, opts ...engine.Option) (*engine.Engine, http.Handler) {
	t.Helper()
	cfg := dispatch.DefaultConfig()
	cfg.BrokerDriver = dispatch.DriverMemory

	base := []engine.Option{engine.WithLogger(quietLogger()), engine.WithServe()}
	eng, err := engine.Build(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng, api.New(eng, quietLogger()).Handler()
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var caller = map[string]string{api.HeaderOrgID: "org_456", api.HeaderUserID: "user_123"}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestEnqueueExport(t *testing.T) {
	eng, h := newServer(t)

	rec := do(h, http.MethodPost, "/api/export",
		`{"id":"exp-42","projectId":"proj-1","format":"png","dpi":300}`, caller)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp api.EnqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID != "exp-42" {
		t.Fatalf("jobId = %q", resp.JobID)
	}

	r, err := eng.Queue(job.FamilyExport).Get(context.Background(), "exp-42")
	if err != nil {
		t.Fatal(err)
	}
	if r.TenantID != "org_456" || r.UserID != "user_123" || r.State != job.StateQueued {
		t.Errorf("record = %+v", r)
	}
}

func TestHeadersOverrideBodyIdentity(t *testing.T) {
	eng, h := newServer(t)

	rec := do(h, http.MethodPost, "/api/import",
		`{"id":"imp-1","fileName":"parcels.geojson","orgId":"someone-else","userId":"x"}`, caller)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	r, err := eng.Queue(job.FamilyImport).Get(context.Background(), "imp-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.TenantID != "org_456" {
		t.Errorf("tenant = %q, want org_456", r.TenantID)
	}
	var payload submit.ImportRequest
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.SourceType != submit.DefaultSourceType {
		t.Errorf("sourceType = %q", payload.SourceType)
	}
}

func TestEnqueueGeneratesID(t *testing.T) {
	_, h := newServer(t)

	rec := do(h, http.MethodPost, "/api/ai",
		`{"projectId":"proj-1","task":"styleFromPrompt","prompt":"dark mode"}`, caller)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp api.EnqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID == "" {
		t.Fatal("empty jobId")
	}
}

func TestEnqueueErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		headers  map[string]string
		wantCode int
		wantErr  string
		field    string
	}{
		{"dpi out of range", "/api/export", `{"projectId":"p","format":"png","dpi":1200}`, caller, http.StatusBadRequest, "invalid_request", "dpi"},
		{"unknown ai task", "/api/ai", `{"projectId":"p","task":"summarize","prompt":"x"}`, caller, http.StatusBadRequest, "invalid_request", "task"},
		{"missing file", "/api/import", `{"sourceType":"kml"}`, caller, http.StatusBadRequest, "invalid_request", "fileName"},
		{"no identity", "/api/import", `{"fileName":"a.geojson"}`, nil, http.StatusBadRequest, "invalid_request", "orgId"},
		{"malformed json", "/api/export", `{"dpi":"high"}`, caller, http.StatusBadRequest, "invalid_request", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newServer(t)
			rec := do(h, http.MethodPost, tt.path, tt.body, tt.headers)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			body := decodeError(t, rec)
			if body.Error.Code != tt.wantErr || body.Error.Field != tt.field {
				t.Errorf("error = %+v", body.Error)
			}
		})
	}
}

func TestPlanGate(t *testing.T) {
	gate := submit.PlanGate{Tier: func(context.Context, string) (string, error) { return submit.TierBasic, nil }}
	_, h := newServer(t, engine.WithGate(gate))

	rec := do(h, http.MethodPost, "/api/export", `{"projectId":"p","format":"geotiff","dpi":300}`, caller)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if body := decodeError(t, rec); body.Error.Code != "upgrade_required" {
		t.Errorf("code = %q", body.Error.Code)
	}

	rec = do(h, http.MethodPost, "/api/export", `{"projectId":"p","format":"png","dpi":300}`, caller)
	if rec.Code != http.StatusOK {
		t.Fatalf("png export status = %d", rec.Code)
	}
}

func TestRateLimited(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	cfg.BrokerDriver = dispatch.DriverMemory
	cfg.Import.TenantRate = 0.001
	cfg.Import.TenantBurst = 1
	eng, err := engine.Build(context.Background(), cfg, engine.WithLogger(quietLogger()), engine.WithServe())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Stop(context.Background())
	h := api.New(eng, quietLogger()).Handler()

	body := `{"fileName":"a.geojson"}`
	if rec := do(h, http.MethodPost, "/api/import", body, caller); rec.Code != http.StatusOK {
		t.Fatalf("first submit = %d", rec.Code)
	}
	rec := do(h, http.MethodPost, "/api/import", body, caller)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit = %d, want 429", rec.Code)
	}
}

func TestTenantOverrideLifted(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	cfg.BrokerDriver = dispatch.DriverMemory
	cfg.Import.TenantRate = 0.001
	cfg.Import.TenantBurst = 1
	cfg.Import.TenantOverrides = map[string]float64{"org_456": 0}
	eng, err := engine.Build(context.Background(), cfg, engine.WithLogger(quietLogger()), engine.WithServe())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Stop(context.Background())
	h := api.New(eng, quietLogger()).Handler()

	body := `{"fileName":"a.geojson"}`
	for i := 0; i < 5; i++ {
		if rec := do(h, http.MethodPost, "/api/import", body, caller); rec.Code != http.StatusOK {
			t.Fatalf("submit %d for unlimited org = %d", i, rec.Code)
		}
	}

	other := map[string]string{api.HeaderOrgID: "org_789", api.HeaderUserID: "user_1"}
	do(h, http.MethodPost, "/api/import", body, other)
	if rec := do(h, http.MethodPost, "/api/import", body, other); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("default org second submit = %d, want 429", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	_, h := newServer(t)
	do(h, http.MethodPost, "/api/export", `{"id":"exp-9","projectId":"p","format":"png","dpi":150}`, caller)

	rec := do(h, http.MethodGet, "/api/jobs/export/exp-9", "", caller)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var st submit.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.JobID != "exp-9" || st.State != job.StateQueued || st.Queue != "EXPORT_QUEUE" {
		t.Errorf("status = %+v", st)
	}

	other := map[string]string{api.HeaderOrgID: "org_999", api.HeaderUserID: "u"}
	if rec := do(h, http.MethodGet, "/api/jobs/export/exp-9", "", other); rec.Code != http.StatusNotFound {
		t.Errorf("cross-org read = %d, want 404", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, h := newServer(t)

	for _, path := range []string{"/api/jobs/export/missing", "/api/jobs/render/exp-1"} {
		rec := do(h, http.MethodGet, path, "", caller)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s = %d, want 404", path, rec.Code)
		}
	}
}

func TestStatsAndHealth(t *testing.T) {
	eng, h := newServer(t)
	do(h, http.MethodPost, "/api/import", `{"fileName":"a.geojson"}`, caller)

	rec := do(h, http.MethodGet, "/api/stats", "", caller)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	var st api.StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Queues["IMPORT_QUEUE"].Queued != 1 {
		t.Errorf("stats = %+v", st)
	}

	if rec := do(h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	_ = eng.Broker().Close()
	if rec := do(h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz after close = %d, want 503", rec.Code)
	}
}

func TestBrokerFailureIsUnavailable(t *testing.T) {
	eng, h := newServer(t)
	_ = eng.Broker().Close()

	rec := do(h, http.MethodPost, "/api/import", `{"fileName":"a.geojson"}`, caller)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (body %s)", rec.Code, rec.Body)
	}
	if !errors.Is(eng.Ping(context.Background()), dispatch.ErrBrokerClosed) {
		t.Error("broker should report closed")
	}
}
