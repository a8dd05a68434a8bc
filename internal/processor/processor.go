// internal/processor/processor.go

// Package processor абстрагирует инференс-бэкенд предобработки.
// Воркер не знает, как именно режется видео и гоняются модели:
// он отдаёт задание адаптеру и интерпретирует статус результата.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

// Status — итог обработки одного задания.
type Status string

const (
	// StatusSuccess — все артефакты получены.
	StatusSuccess Status = "success"
	// StatusPartialSuccess — часть кадров потеряна, но результат пригоден.
	StatusPartialSuccess Status = "partial_success"
	// StatusSourceUnreachable — источник видео недоступен.
	// Считается отдельным, ограниченным классом повторов.
	StatusSourceUnreachable Status = "source_unreachable"
	// StatusFailed — обработка завершилась ошибкой.
	StatusFailed Status = "failed"
)

// Job — задание на предобработку одного фрагмента.
type Job struct {
	CCTVID      string `json:"cctvId"`
	SourceURL   string `json:"sourceUrl"`
	DurationSec int    `json:"sec"`
	JobID       string `json:"jobId"`
}

// Artifact — один файл, порождённый обработкой.
type Artifact struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentType string `json:"contentType,omitempty"`
}

// Result — результат обработки. WorkDir (если не пуст) — временный
// каталог бэкенда; вызывающий обязан удалить его после выгрузки.
type Result struct {
	Status    Status            `json:"status"`
	Artifacts []Artifact        `json:"artifacts,omitempty"`
	WorkDir   string            `json:"workDir,omitempty"`
	Error     string            `json:"error,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Adapter выполняет задание. Ошибка означает инфраструктурный сбой
// (бэкенд недоступен, таймаут); доменные исходы, включая
// source_unreachable, возвращаются в Result.Status.
type Adapter interface {
	Process(ctx context.Context, job Job) (*Result, error)
}

// Config — настройки HTTP-адаптера.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

type httpAdapter struct {
	endpoint string
	client   *http.Client
	log      *logger.Logger
}

// NewHTTP возвращает адаптер, отправляющий задания инференс-сервису
// одним POST-запросом.
func NewHTTP(cfg Config, log *logger.Logger) (Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("processor: endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &httpAdapter{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}, nil
}

func (a *httpAdapter) Process(ctx context.Context, job Job) (*Result, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("processor: marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("processor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("processor: call backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("processor: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("processor: backend returned %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("processor: decode response: %w", err)
	}
	switch res.Status {
	case StatusSuccess, StatusPartialSuccess, StatusSourceUnreachable, StatusFailed:
	default:
		return nil, fmt.Errorf("processor: unknown status %q", res.Status)
	}

	a.log.Debug("processor: job finished",
		zap.String("job_id", job.JobID),
		zap.String("status", string(res.Status)))
	return &res, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
