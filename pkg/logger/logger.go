// pkg/logger/logger.go
package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// contextKey — тип ключа для context.Value, чтобы избежать коллизий.
type contextKey string

const (
	// JobIDKey используется для хранения идентификатора задания в контексте.
	JobIDKey contextKey = "job_id"
	// EntryIDKey используется для хранения идентификатора записи стрима.
	EntryIDKey contextKey = "entry_id"
)

// Logger объединяет *zap.Logger и *zap.SugaredLogger
// и обеспечивает метод Sync().
type Logger struct {
	raw   *zap.Logger
	sugar *zap.SugaredLogger
}

// New создаёт Logger с заданным уровнем и режимом.
// При завершении работы приложения обязательно вызовите logger.Sync().
func New(level string, devMode bool) (*Logger, error) {
	var cfg zap.Config
	if devMode {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"

	raw, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &Logger{raw: raw, sugar: raw.Sugar()}, nil
}

// Info логирует на уровне Info.
func (l *Logger) Info(msg string, fields ...zap.Field) { l.raw.Info(msg, fields...) }

// Warn логирует на уровне Warn.
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.raw.Warn(msg, fields...) }

// Error логирует на уровне Error.
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }

// Debug логирует на уровне Debug.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }

// Sugar возвращает *zap.SugaredLogger.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

// Sync сбрасывает буферизированные записи. Вызывать перед выходом.
func (l *Logger) Sync() error { return l.raw.Sync() }

// Named создаёт новый логгер с namespace-приставкой.
func (l *Logger) Named(name string) *Logger {
	rawN := l.raw.Named(name)
	return &Logger{raw: rawN, sugar: rawN.Sugar()}
}

// WithContext возвращает *zap.SugaredLogger с полями job_id и entry_id,
// если они присутствуют в ctx.
func (l *Logger) WithContext(ctx context.Context) *zap.SugaredLogger {
	fields := make([]interface{}, 0, 4)
	if jid := ctx.Value(JobIDKey); jid != nil {
		fields = append(fields, "job_id", jid)
	}
	if eid := ctx.Value(EntryIDKey); eid != nil {
		fields = append(fields, "entry_id", eid)
	}
	if len(fields) > 0 {
		return l.sugar.With(fields...)
	}
	return l.sugar
}

// ContextWithJobID возвращает новый контекст с заданным job ID.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// ContextWithEntryID возвращает новый контекст с заданным entry ID.
func ContextWithEntryID(ctx context.Context, entryID string) context.Context {
	return context.WithValue(ctx, EntryIDKey, entryID)
}
