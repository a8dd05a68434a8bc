// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
stream:
  name: "preprocess:jobs"
processor:
  endpoint: "http://inference:9000/preprocess"
`

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "preprocess-worker" {
		t.Errorf("service_name = %q", cfg.ServiceName)
	}
	if cfg.Worker.BlockTime != 5*time.Second {
		t.Errorf("block_time = %v, want 5s", cfg.Worker.BlockTime)
	}
	if cfg.Worker.BatchCount != 20 {
		t.Errorf("batch_count = %d, want 20", cfg.Worker.BatchCount)
	}
	if cfg.Worker.VisibilityTimeout != 300*time.Second {
		t.Errorf("visibility_timeout = %v, want 300s", cfg.Worker.VisibilityTimeout)
	}
	if cfg.Worker.MaxRetry != 3 || cfg.Worker.SourceRetryLimit != 3 {
		t.Errorf("retry limits = %d/%d, want 3/3", cfg.Worker.MaxRetry, cfg.Worker.SourceRetryLimit)
	}
	if cfg.Worker.MaxConcurrency != 2 {
		t.Errorf("max_concurrency = %d, want 2", cfg.Worker.MaxConcurrency)
	}
	if !cfg.Worker.BatchAck {
		t.Error("batch_ack must default to true")
	}
	if cfg.Stream.Group != "preprocess-workers" {
		t.Errorf("group = %q", cfg.Stream.Group)
	}
}

func TestLoad_MissingProcessorEndpoint(t *testing.T) {
	_, err := Load(writeConfig(t, `
stream:
  name: "preprocess:jobs"
`))
	if err == nil {
		t.Fatal("expected validation error for missing processor.endpoint")
	}
}

func TestLoad_StreamModeExclusive(t *testing.T) {
	_, err := Load(writeConfig(t, `
stream:
  name: "preprocess:jobs"
  names: ["a", "b"]
processor:
  endpoint: "http://inference:9000/preprocess"
`))
	if err == nil {
		t.Fatal("expected error when both name and names are set")
	}

	_, err = Load(writeConfig(t, `
processor:
  endpoint: "http://inference:9000/preprocess"
`))
	if err == nil {
		t.Fatal("expected error when no stream mode is set")
	}
}

func TestPartitions_Single(t *testing.T) {
	s := StreamConfig{Name: "preprocess:jobs"}
	got := s.Partitions()
	if len(got) != 1 || got[0] != "preprocess:jobs" {
		t.Errorf("Partitions() = %v", got)
	}
	if s.DLQ() != "preprocess:jobs:dlq" {
		t.Errorf("DLQ() = %q", s.DLQ())
	}
}

func TestPartitions_Prefix(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
stream:
  partition_prefix: "preprocess:jobs"
  partition_count: 3
processor:
  endpoint: "http://inference:9000/preprocess"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := cfg.Stream.Partitions()
	want := []string{"preprocess:jobs:0", "preprocess:jobs:1", "preprocess:jobs:2"}
	if len(got) != len(want) {
		t.Fatalf("Partitions() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Partitions()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if cfg.Stream.DLQ() != "preprocess:jobs:0:dlq" {
		t.Errorf("DLQ() = %q", cfg.Stream.DLQ())
	}
}

func TestPartitions_ExplicitDLQ(t *testing.T) {
	s := StreamConfig{Name: "jobs", DLQName: "jobs:dead"}
	if s.DLQ() != "jobs:dead" {
		t.Errorf("DLQ() = %q, want jobs:dead", s.DLQ())
	}
}

func TestLoad_InvalidWorkerValues(t *testing.T) {
	cases := []string{
		"worker:\n  max_concurrency: 0\n",
		"worker:\n  max_retry: 0\n",
		"worker:\n  block_time: \"0s\"\n",
		"logging:\n  level: \"verbose\"\n",
	}
	for _, extra := range cases {
		_, err := Load(writeConfig(t, minimalConfig+extra))
		if err == nil {
			t.Errorf("expected validation error for %q", extra)
		}
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PREPROCESS_WORKER_MAX_CONCURRENCY", "8")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.MaxConcurrency != 8 {
		t.Errorf("max_concurrency = %d, want 8 from env", cfg.Worker.MaxConcurrency)
	}
}
