// internal/httpapi/server.go

// Package httpapi — операционный HTTP-интерфейс воркера: метрики,
// health-пробы, снимки счётчиков и управление параллелизмом.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Helios-CCTV/preprocess-worker/internal/config"
	"github.com/Helios-CCTV/preprocess-worker/internal/counters"
	"github.com/Helios-CCTV/preprocess-worker/internal/worker"
	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

// ReadyChecker возвращает nil, если сервис готов принимать трафик.
type ReadyChecker func() error

// Server определяет Start(context) error.
type Server interface {
	Start(ctx context.Context) error
}

type server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	log             *logger.Logger
}

// New собирает операционный сервер поверх воркера и реестра счётчиков.
func New(cfg config.HTTPConfig, w *worker.Worker, reg *counters.Registry, check ReadyChecker, log *logger.Logger) (Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("httpapi: port is required")
	}
	log = log.Named("http-server")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      recoverMiddleware(buildHandler(cfg, w, reg, check, log), log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &server{
		httpServer:      httpSrv,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log,
	}, nil
}

func buildHandler(cfg config.HTTPConfig, w *worker.Worker, reg *counters.Registry, check ReadyChecker, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthzPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc(cfg.ReadyzPath, func(w http.ResponseWriter, _ *http.Request) {
		if err := check(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("NOT READY: %v", err)))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	mux.HandleFunc("/status", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(rw, http.StatusOK, w.Status())
	})

	mux.HandleFunc("/counters", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(rw, http.StatusOK, reg.SnapshotAll())
	})

	mux.HandleFunc("/counters/reset", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reg.Reset()
		log.Info("httpapi: counters reset")
		writeJSON(rw, http.StatusOK, reg.SnapshotAll())
	})

	mux.HandleFunc("/concurrency", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			MaxConcurrency int `json:"max_concurrency"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(rw, "invalid json body", http.StatusBadRequest)
			return
		}
		if err := w.SetMaxConcurrency(body.MaxConcurrency); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(rw, http.StatusOK, w.Status())
	})

	return mux
}

// Start запускает ListenAndServe и корректно гасит сервер по ctx.Done().
func (s *server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("http: starting server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("httpapi: listen: %w", err)
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.log.Info("http: shutdown signal received")
		serveErr = ctx.Err()
	case err := <-errCh:
		serveErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("http: graceful shutdown failed", zap.Error(err))
		return err
	}
	s.log.Info("http: server stopped gracefully")
	return serveErr
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recoverMiddleware перехватывает паники и возвращает 500.
func recoverMiddleware(next http.Handler, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rcv := recover(); rcv != nil {
				log.Error("httpapi: panic recovered",
					zap.Any("panic", rcv),
					zap.ByteString("stack", debug.Stack()))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
