// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/Helios-CCTV/preprocess-worker/pkg/backoff"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config — все настройки сервиса.
type Config struct {
	ServiceName    string          `mapstructure:"service_name"`
	ServiceVersion string          `mapstructure:"service_version"`
	Redis          RedisConfig     `mapstructure:"redis"`
	Stream         StreamConfig    `mapstructure:"stream"`
	Worker         WorkerConfig    `mapstructure:"worker"`
	Processor      ProcessorConfig `mapstructure:"processor"`
	Export         ExportConfig    `mapstructure:"export"`
	Guard          GuardConfig     `mapstructure:"guard"`
	Telemetry      Telemetry       `mapstructure:"telemetry"`
	Logging        Logging         `mapstructure:"logging"`
	HTTP           HTTPConfig      `mapstructure:"http"`
}

// RedisConfig хранит подключение к Redis.
type RedisConfig struct {
	URL     string         `mapstructure:"url"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

// StreamConfig описывает набор партиций стрима работ и consumer-group.
// Партиции задаются ровно одним способом: name, names
// или partition_prefix + partition_count.
type StreamConfig struct {
	Name            string   `mapstructure:"name"`
	Names           []string `mapstructure:"names"`
	PartitionPrefix string   `mapstructure:"partition_prefix"`
	PartitionCount  int      `mapstructure:"partition_count"`
	Group           string   `mapstructure:"group"`
	DLQName         string   `mapstructure:"dlq_name"`
}

// WorkerConfig хранит настройки цикла потребления и ретраев.
type WorkerConfig struct {
	ConsumerName      string        `mapstructure:"consumer_name"`
	BlockTime         time.Duration `mapstructure:"block_time"`
	BatchCount        int           `mapstructure:"batch_count"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	ReclaimInterval   time.Duration `mapstructure:"reclaim_interval"`
	ReclaimBatch      int           `mapstructure:"reclaim_batch"`
	MaxRetry          int           `mapstructure:"max_retry"`
	SourceRetryLimit  int           `mapstructure:"source_retry_limit"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	BatchAck          bool          `mapstructure:"batch_ack"`
	AckFlushInterval  time.Duration `mapstructure:"ack_flush_interval"`
	ReadErrorBackoff  time.Duration `mapstructure:"read_error_backoff"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
}

// ProcessorConfig хранит настройки инференс-бэкенда.
type ProcessorConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig хранит настройки выгрузки артефактов.
// Пустой base_url отключает выгрузку.
type ExportConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Prefix  string        `mapstructure:"prefix"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GuardConfig хранит настройки ресурсного ограничителя.
type GuardConfig struct {
	Enabled           bool  `mapstructure:"enabled"`
	MinAvailableBytes int64 `mapstructure:"min_available_bytes"`
}

// Telemetry хранит настройки OpenTelemetry.
// Пустой otel_endpoint отключает трейсинг.
type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otel_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// Logging хранит настройки логгера.
type Logging struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// HTTPConfig хранит конфигурацию операционного HTTP-сервера.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load загружает и валидирует конфиг. Если path пустой — читаются только ENV и defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "preprocess-worker")
	v.SetDefault("service_version", "v1.0.0")

	// Redis
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	// Stream
	v.SetDefault("stream.name", "")
	v.SetDefault("stream.names", []string{})
	v.SetDefault("stream.partition_prefix", "")
	v.SetDefault("stream.partition_count", 0)
	v.SetDefault("stream.group", "preprocess-workers")
	v.SetDefault("stream.dlq_name", "")

	// Worker
	v.SetDefault("worker.consumer_name", "")
	v.SetDefault("worker.block_time", "5s")
	v.SetDefault("worker.batch_count", 20)
	v.SetDefault("worker.visibility_timeout", "300s")
	v.SetDefault("worker.reclaim_interval", "30s")
	v.SetDefault("worker.reclaim_batch", 10)
	v.SetDefault("worker.max_retry", 3)
	v.SetDefault("worker.source_retry_limit", 3)
	v.SetDefault("worker.max_concurrency", 2)
	v.SetDefault("worker.batch_ack", true)
	v.SetDefault("worker.ack_flush_interval", "200ms")
	v.SetDefault("worker.read_error_backoff", "5s")
	v.SetDefault("worker.shutdown_grace", "10s")

	// Processor
	v.SetDefault("processor.endpoint", "")
	v.SetDefault("processor.timeout", "120s")

	// Export
	v.SetDefault("export.base_url", "")
	v.SetDefault("export.prefix", "preprocessed/")
	v.SetDefault("export.timeout", "60s")

	// Guard
	v.SetDefault("guard.enabled", true)
	v.SetDefault("guard.min_available_bytes", int64(1<<30))

	// Telemetry
	v.SetDefault("telemetry.otel_endpoint", "")
	v.SetDefault("telemetry.insecure", false)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// HTTP
	v.SetDefault("http.port", 8081)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	// ---------- 2) ENV ----------
	v.SetEnvPrefix("PREPROCESS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     &cfg,
		DecodeHook: decodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   ПАРТИЦИИ
   --------------------------------------------------------------------------
*/

// Partitions возвращает итоговый список партиций стрима.
// Предполагает, что конфиг уже прошёл Validate.
func (s *StreamConfig) Partitions() []string {
	switch {
	case s.Name != "":
		return []string{s.Name}
	case len(s.Names) > 0:
		out := make([]string, len(s.Names))
		copy(out, s.Names)
		return out
	default:
		out := make([]string, 0, s.PartitionCount)
		for i := 0; i < s.PartitionCount; i++ {
			out = append(out, fmt.Sprintf("%s:%d", s.PartitionPrefix, i))
		}
		return out
	}
}

// DLQ возвращает имя терминального стрима. Если dlq_name не задан,
// берётся "<первая партиция>:dlq".
func (s *StreamConfig) DLQ() string {
	if s.DLQName != "" {
		return s.DLQName
	}
	parts := s.Partitions()
	if len(parts) == 0 {
		return ""
	}
	return parts[0] + ":dlq"
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// Redis
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}

	// Stream
	if err := validateStream(&c.Stream); err != nil {
		return err
	}

	// Worker
	if err := validateWorker(&c.Worker); err != nil {
		return err
	}

	// Processor
	if c.Processor.Endpoint == "" {
		return fmt.Errorf("processor.endpoint is required")
	}
	if c.Processor.Timeout <= 0 {
		return fmt.Errorf("processor.timeout must be > 0")
	}

	// Export
	if c.Export.Timeout <= 0 {
		return fmt.Errorf("export.timeout must be > 0")
	}

	// Guard
	if c.Guard.Enabled && c.Guard.MinAvailableBytes <= 0 {
		return fmt.Errorf("guard.min_available_bytes must be > 0 when guard is enabled")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// HTTP
	if err := validateHTTP(&c.HTTP); err != nil {
		return err
	}

	return nil
}

func validateStream(s *StreamConfig) error {
	modes := 0
	if s.Name != "" {
		modes++
	}
	if len(s.Names) > 0 {
		modes++
	}
	if s.PartitionPrefix != "" || s.PartitionCount > 0 {
		modes++
		if s.PartitionPrefix == "" {
			return fmt.Errorf("stream.partition_prefix is required when stream.partition_count is set")
		}
		if s.PartitionCount < 1 || s.PartitionCount > 1024 {
			return fmt.Errorf("stream.partition_count must be between 1 and 1024")
		}
	}
	if modes != 1 {
		return fmt.Errorf("exactly one of stream.name, stream.names, stream.partition_prefix+stream.partition_count must be set")
	}
	if s.Group == "" {
		return fmt.Errorf("stream.group is required")
	}
	return nil
}

func validateWorker(w *WorkerConfig) error {
	durations := map[string]time.Duration{
		"worker.block_time":         w.BlockTime,
		"worker.visibility_timeout": w.VisibilityTimeout,
		"worker.reclaim_interval":   w.ReclaimInterval,
		"worker.ack_flush_interval": w.AckFlushInterval,
		"worker.read_error_backoff": w.ReadErrorBackoff,
		"worker.shutdown_grace":     w.ShutdownGrace,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	counts := map[string]int{
		"worker.batch_count":        w.BatchCount,
		"worker.reclaim_batch":      w.ReclaimBatch,
		"worker.max_retry":          w.MaxRetry,
		"worker.source_retry_limit": w.SourceRetryLimit,
		"worker.max_concurrency":    w.MaxConcurrency,
	}
	for k, n := range counts {
		if n < 1 {
			return fmt.Errorf("%s must be >= 1", k)
		}
	}
	return nil
}

func validateHTTP(h *HTTPConfig) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print выводит текущий конфиг в JSON (удобно в DevMode).
func (c *Config) Print() {
	b, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
