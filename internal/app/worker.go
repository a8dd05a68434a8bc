// internal/app/worker.go

// Package app собирает сервис из частей: подключение к Redis,
// инференс-адаптер, воркер, операционный HTTP и телеметрия.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Helios-CCTV/preprocess-worker/internal/config"
	"github.com/Helios-CCTV/preprocess-worker/internal/counters"
	"github.com/Helios-CCTV/preprocess-worker/internal/guard"
	"github.com/Helios-CCTV/preprocess-worker/internal/httpapi"
	"github.com/Helios-CCTV/preprocess-worker/internal/metrics"
	"github.com/Helios-CCTV/preprocess-worker/internal/processor"
	"github.com/Helios-CCTV/preprocess-worker/internal/stream"
	"github.com/Helios-CCTV/preprocess-worker/internal/worker"
	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
	"github.com/Helios-CCTV/preprocess-worker/pkg/telemetry"
)

// Run запускает сервис и блокируется до отмены контекста
// или фатальной ошибки одного из компонентов.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register(nil)

	// Трассировка опциональна: пустой endpoint её выключает.
	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
			Insecure:       cfg.Telemetry.Insecure,
		}, log)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(ctx) }, log)
	}

	// Redis
	client, err := stream.New(ctx, stream.Config{
		URL:     cfg.Redis.URL,
		Group:   cfg.Stream.Group,
		Backoff: cfg.Redis.Backoff,
	}, log)
	if err != nil {
		return fmt.Errorf("stream client init: %w", err)
	}
	defer shutdownSafe(ctx, "stream-client", client.Close, log)

	// Инференс-бэкенд
	adapter, err := processor.NewHTTP(processor.Config{
		Endpoint: cfg.Processor.Endpoint,
		Timeout:  cfg.Processor.Timeout,
	}, log)
	if err != nil {
		return fmt.Errorf("processor init: %w", err)
	}

	// Выгрузка артефактов
	var exporter processor.Exporter = processor.NopExporter{}
	if cfg.Export.BaseURL != "" {
		exporter, err = processor.NewHTTPExporter(processor.ExportConfig{
			BaseURL: cfg.Export.BaseURL,
			Prefix:  cfg.Export.Prefix,
			Timeout: cfg.Export.Timeout,
		}, log)
		if err != nil {
			return fmt.Errorf("exporter init: %w", err)
		}
	}

	// Ресурсный guard
	var g guard.Guard = guard.AlwaysAllow{}
	if cfg.Guard.Enabled {
		g = guard.NewMemAvailable(cfg.Guard.MinAvailableBytes, log)
	}

	reg := counters.New()
	w, err := worker.New(cfg.Worker, cfg.Stream, worker.Deps{
		Client:   client,
		Adapter:  adapter,
		Exporter: exporter,
		Guard:    g,
		Counters: reg,
		Log:      log.Named("worker"),
	})
	if err != nil {
		return fmt.Errorf("worker init: %w", err)
	}

	readiness := func() error { return client.Ping(ctx) }
	httpSrv, err := httpapi.New(cfg.HTTP, w, reg, readiness, log)
	if err != nil {
		return fmt.Errorf("httpapi init: %w", err)
	}

	log.Info("app: starting",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
		zap.String("consumer", w.Consumer()))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return httpSrv.Start(ctx) })
	eg.Go(func() error { return w.Run(ctx) })

	if err := eg.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("app: stopped by context")
			return nil
		}
		return err
	}
	return nil
}

// shutdownSafe оборачивает Close()/Shutdown() с логированием.
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Infof("%s: shutting down", name)
	if err := fn(); err != nil {
		log.WithContext(ctx).Errorw(fmt.Sprintf("%s shutdown error", name), "error", err)
	} else {
		log.WithContext(ctx).Infof("%s: shutdown complete", name)
	}
}
