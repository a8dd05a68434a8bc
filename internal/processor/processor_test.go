// internal/processor/processor_test.go
package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("error", false)
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestHTTPAdapter_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var job Job
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			t.Errorf("decode job: %v", err)
		}
		if job.CCTVID != "cam-5" || job.DurationSec != 20 {
			t.Errorf("unexpected job: %+v", job)
		}
		_ = json.NewEncoder(w).Encode(Result{
			Status:    StatusSuccess,
			Artifacts: []Artifact{{Name: "frame_000.jpg", Path: "/tmp/x/frame_000.jpg"}},
			WorkDir:   "/tmp/x",
		})
	}))
	defer srv.Close()

	a, err := NewHTTP(Config{Endpoint: srv.URL, Timeout: 5 * time.Second}, testLogger(t))
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	res, err := a.Process(context.Background(), Job{CCTVID: "cam-5", SourceURL: "rtsp://x", DurationSec: 20, JobID: "j-1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != StatusSuccess || len(res.Artifacts) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPAdapter_SourceUnreachableIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Result{Status: StatusSourceUnreachable, Error: "connect refused"})
	}))
	defer srv.Close()

	a, _ := NewHTTP(Config{Endpoint: srv.URL}, testLogger(t))
	res, err := a.Process(context.Background(), Job{SourceURL: "rtsp://down"})
	if err != nil {
		t.Fatalf("source_unreachable must be a result, not an error: %v", err)
	}
	if res.Status != StatusSourceUnreachable {
		t.Errorf("status = %q", res.Status)
	}
}

func TestHTTPAdapter_BackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	a, _ := NewHTTP(Config{Endpoint: srv.URL}, testLogger(t))
	if _, err := a.Process(context.Background(), Job{}); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestHTTPAdapter_UnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "weird"})
	}))
	defer srv.Close()

	a, _ := NewHTTP(Config{Endpoint: srv.URL}, testLogger(t))
	if _, err := a.Process(context.Background(), Job{}); err == nil {
		t.Fatal("expected error on unknown status")
	}
}

func TestHTTPExporter_PutsArtifacts(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "frame_000.jpg")
	if err := os.WriteFile(file, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		b := make([]byte, 64)
		n, _ := r.Body.Read(b)
		gotBody = string(b[:n])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e, err := NewHTTPExporter(ExportConfig{BaseURL: srv.URL, Prefix: "preprocessed/"}, testLogger(t))
	if err != nil {
		t.Fatalf("NewHTTPExporter: %v", err)
	}
	keys, err := e.Export(context.Background(), "j-9", []Artifact{{Name: "frame_000.jpg", Path: file}})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(keys) != 1 || keys[0] != "preprocessed/j-9/frame_000.jpg" {
		t.Errorf("keys = %v", keys)
	}
	if !strings.HasSuffix(gotPath, "/preprocessed/j-9/frame_000.jpg") {
		t.Errorf("request path = %q", gotPath)
	}
	if gotBody != "jpeg-bytes" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestNopExporter(t *testing.T) {
	keys, err := NopExporter{}.Export(context.Background(), "j-1", []Artifact{{Name: "a"}})
	if err != nil || keys != nil {
		t.Errorf("NopExporter = %v, %v", keys, err)
	}
}
