// internal/processor/exporter.go
package processor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

// Exporter выгружает артефакты во внешнее хранилище и возвращает
// ключи, под которыми они сохранены.
type Exporter interface {
	Export(ctx context.Context, jobID string, artifacts []Artifact) ([]string, error)
}

// NopExporter ничего не выгружает. Используется, когда export.base_url
// не задан: артефакты остаются на стороне бэкенда.
type NopExporter struct{}

func (NopExporter) Export(_ context.Context, _ string, _ []Artifact) ([]string, error) {
	return nil, nil
}

// ExportConfig — настройки HTTP-выгрузки.
type ExportConfig struct {
	BaseURL string
	Prefix  string
	Timeout time.Duration
}

type httpExporter struct {
	baseURL string
	prefix  string
	client  *http.Client
	log     *logger.Logger
}

// NewHTTPExporter возвращает экспортёр, кладущий каждый артефакт
// одним PUT-запросом под ключом "<prefix><jobID>/<name>".
func NewHTTPExporter(cfg ExportConfig, log *logger.Logger) (Exporter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("processor: export base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpExporter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		prefix:  cfg.Prefix,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}, nil
}

func (e *httpExporter) Export(ctx context.Context, jobID string, artifacts []Artifact) ([]string, error) {
	keys := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		key := e.prefix + path.Join(jobID, a.Name)
		if err := e.put(ctx, key, a); err != nil {
			return keys, fmt.Errorf("processor: export %q: %w", a.Name, err)
		}
		keys = append(keys, key)
	}
	if len(keys) > 0 {
		e.log.Debug("processor: artifacts exported",
			zap.String("job_id", jobID),
			zap.Int("count", len(keys)))
	}
	return keys, nil
}

func (e *httpExporter) put(ctx context.Context, key string, a Artifact) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, e.baseURL+"/"+key, f)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if a.ContentType != "" {
		req.Header.Set("Content-Type", a.ContentType)
	}
	if st, err := f.Stat(); err == nil {
		req.ContentLength = st.Size()
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("storage returned %d", resp.StatusCode)
	}
	return nil
}
