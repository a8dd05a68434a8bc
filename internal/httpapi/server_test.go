// internal/httpapi/server_test.go
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Helios-CCTV/preprocess-worker/internal/config"
	"github.com/Helios-CCTV/preprocess-worker/internal/counters"
	"github.com/Helios-CCTV/preprocess-worker/internal/processor"
	"github.com/Helios-CCTV/preprocess-worker/internal/stream"
	"github.com/Helios-CCTV/preprocess-worker/internal/worker"
	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

type stubClient struct{}

func (stubClient) EnsureGroup(context.Context, string) error { return nil }
func (stubClient) ReadBatch(ctx context.Context, _ []string, _ string, _ int64, _ time.Duration) ([]stream.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (stubClient) ReadOwned(context.Context, []string, string, int64) ([]stream.Delivery, error) {
	return nil, nil
}
func (stubClient) Append(context.Context, string, map[string]interface{}) (string, error) {
	return "1-0", nil
}
func (stubClient) Ack(context.Context, string, ...string) error { return nil }
func (stubClient) ReclaimStale(context.Context, string, string, time.Duration, int64) ([]stream.Delivery, error) {
	return nil, nil
}
func (stubClient) PendingCount(context.Context, string) (int64, error) { return 0, nil }
func (stubClient) Ping(context.Context) error                          { return nil }
func (stubClient) Close() error                                        { return nil }

type stubAdapter struct{}

func (stubAdapter) Process(context.Context, processor.Job) (*processor.Result, error) {
	return &processor.Result{Status: processor.StatusSuccess}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *worker.Worker, *counters.Registry) {
	t.Helper()
	log, err := logger.New("error", false)
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	reg := counters.New()
	w, err := worker.New(config.WorkerConfig{
		ConsumerName:      "worker_http",
		BlockTime:         50 * time.Millisecond,
		BatchCount:        20,
		VisibilityTimeout: 300 * time.Second,
		ReclaimInterval:   time.Hour,
		ReclaimBatch:      100,
		MaxRetry:          3,
		SourceRetryLimit:  3,
		MaxConcurrency:    2,
		AckFlushInterval:  200 * time.Millisecond,
		ReadErrorBackoff:  time.Second,
		ShutdownGrace:     time.Second,
	}, config.StreamConfig{Name: "jobs"}, worker.Deps{
		Client:   stubClient{},
		Adapter:  stubAdapter{},
		Counters: reg,
		Log:      log,
	})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	cfg := config.HTTPConfig{
		Port:        8081,
		MetricsPath: "/metrics",
		HealthzPath: "/healthz",
		ReadyzPath:  "/readyz",
	}
	srv := httptest.NewServer(buildHandler(cfg, w, reg, func() error { return nil }, log))
	t.Cleanup(srv.Close)
	return srv, w, reg
}

func TestStatusEndpoint(t *testing.T) {
	srv, w, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	// Контракт для операционных инструментов:
	// {running, consumer, current_concurrency, max_concurrency}.
	var st map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run, ok := st["running"].(bool); !ok || run {
		t.Errorf("running = %v, want false before Start", st["running"])
	}
	if st["consumer"] != w.Consumer() {
		t.Errorf("consumer = %v, want %q", st["consumer"], w.Consumer())
	}
	if cur, ok := st["current_concurrency"].(float64); !ok || cur != 0 {
		t.Errorf("current_concurrency = %v, want 0", st["current_concurrency"])
	}
	if max, ok := st["max_concurrency"].(float64); !ok || max != 2 {
		t.Errorf("max_concurrency = %v, want 2", st["max_concurrency"])
	}
	if st["state"] != "stopped" {
		t.Errorf("state = %v, want stopped before Start", st["state"])
	}
}

func TestCountersEndpoints(t *testing.T) {
	srv, _, reg := newTestServer(t)
	reg.Inc(counters.Processed)

	resp, err := http.Get(srv.URL + "/counters")
	if err != nil {
		t.Fatalf("GET /counters: %v", err)
	}
	var snap counters.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if snap.Counters[counters.Processed] != 1 {
		t.Errorf("processed = %d, want 1", snap.Counters[counters.Processed])
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/counters/reset", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /counters/reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	if reg.Get(counters.Processed) != 0 {
		t.Error("reset must zero the processed counter")
	}

	// GET на reset запрещён.
	resp, err = http.Get(srv.URL + "/counters/reset")
	if err != nil {
		t.Fatalf("GET /counters/reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET reset status = %d, want 405", resp.StatusCode)
	}
}

func TestConcurrencyEndpoint(t *testing.T) {
	srv, w, _ := newTestServer(t)

	put := func(body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/concurrency", strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT /concurrency: %v", err)
		}
		return resp
	}

	resp := put(`{"max_concurrency": 6}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := w.Status().MaxConcurrency; got != 6 {
		t.Errorf("MaxConcurrency = %d, want 6", got)
	}

	resp = put(`{"max_concurrency": 0}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zero concurrency status = %d, want 400", resp.StatusCode)
	}

	resp = put(`not json`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}
