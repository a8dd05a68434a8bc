// pkg/logger/logger_test.go
package logger_test

import (
	"context"
	"testing"

	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := logger.New("invalid", false)
	if err == nil {
		t.Error("expected error for invalid level, got nil")
	}
}

func TestNew_ValidLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error"}
	for _, lvl := range levels {
		_, err := logger.New(lvl, true)
		if err != nil {
			t.Errorf("expected no error for level %s, got %v", lvl, err)
		}
	}
}

func TestWithContext_JobAndEntryID(t *testing.T) {
	raw, _ := logger.New("info", true)
	ctx := context.Background()
	ctx = logger.ContextWithJobID(ctx, "job-123")
	ctx = logger.ContextWithEntryID(ctx, "1700000000000-0")
	enh := raw.WithContext(ctx)
	// ensure the returned logger is non-nil and methods don't panic
	enh.Info("test message")
}

func TestSync_NoPanic(t *testing.T) {
	l, _ := logger.New("info", true)
	// Sync should not panic
	l.Sync()
}
