// pkg/backoff/backoff_test.go
package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Helios-CCTV/preprocess-worker/pkg/backoff"
	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	cfg := backoff.Config{MaxElapsedTime: time.Second}
	log, _ := logger.New("debug", true)
	called := 0
	err := backoff.Execute(context.Background(), cfg, log, func(ctx context.Context) error {
		called++
		return nil
	})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt, got %d", called)
	}
}

func TestExecute_EventualSuccess(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 10 * time.Millisecond, Multiplier: 1, MaxElapsedTime: 500 * time.Millisecond}
	log, _ := logger.New("debug", true)
	attemptsBeforeSuccess := 3
	called := 0
	err := backoff.Execute(context.Background(), cfg, log, func(ctx context.Context) error {
		called++
		if called < attemptsBeforeSuccess {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if called != attemptsBeforeSuccess {
		t.Errorf("expected %d attempts, got %d", attemptsBeforeSuccess, called)
	}
}

func TestExecute_MaxRetriesExceeded(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 10 * time.Millisecond, Multiplier: 1, MaxElapsedTime: 50 * time.Millisecond}
	log, _ := logger.New("debug", true)
	called := 0
	err := backoff.Execute(context.Background(), cfg, log, func(ctx context.Context) error {
		called++
		return errors.New("always fail")
	})
	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if maxErr.Attempts != called {
		t.Errorf("expected %d attempts in error, got %d", called, maxErr.Attempts)
	}
}

func TestExecute_PermanentError(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 10 * time.Millisecond, MaxElapsedTime: time.Second}
	log, _ := logger.New("debug", true)
	sentinel := errors.New("do not retry")
	called := 0
	err := backoff.Execute(context.Background(), cfg, log, func(ctx context.Context) error {
		called++
		return backoff.Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if called != 1 {
		t.Errorf("expected 1 attempt for permanent error, got %d", called)
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	cfg := backoff.Config{InitialInterval: 50 * time.Millisecond}
	log, _ := logger.New("debug", true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := backoff.Execute(ctx, cfg, log, func(ctx context.Context) error {
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error after context cancellation")
	}
}

func TestConfig_InvalidRandomization(t *testing.T) {
	cfg := backoff.Config{RandomizationFactor: 2.0}
	log, _ := logger.New("debug", true)
	err := backoff.Execute(context.Background(), cfg, log, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected config validation error")
	}
}
