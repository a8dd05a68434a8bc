// internal/worker/handler.go
package worker

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Helios-CCTV/preprocess-worker/internal/counters"
	"github.com/Helios-CCTV/preprocess-worker/internal/metrics"
	"github.com/Helios-CCTV/preprocess-worker/internal/processor"
	"github.com/Helios-CCTV/preprocess-worker/internal/stream"
	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

// action — исход обработки одной записи.
type action int

const (
	// actAck — задание завершено, подтвердить запись.
	actAck action = iota
	// actRequeue — поставить повтор с attempt+1; оригинал не
	// подтверждается, его доберёт reclaim.
	actRequeue
	// actDeadLetter — увести в терминальный стрим, подтвердить оригинал.
	actDeadLetter
)

// verdict — решение по записи: что делать, с каким attempt и почему.
type verdict struct {
	action  action
	attempt int
	reason  string
	// failure: повтор вызван сбоем обработки и учитывается в счётчике
	// failed. Повторы из-за недоступного источника сбоем не считаются.
	failure bool
	// demoted: source_unreachable исчерпал свой лимит и завершается
	// как учтённое, но не переигрываемое выполнение.
	demoted bool
}

// decide — чистая функция политики ретраев.
//
// success / partial_success завершают задание. source_unreachable
// повторяется в пределах собственного лимита, после чего запись
// подтверждается без DLQ. Остальные сбои повторяются, пока
// attempt < maxRetry, и затем уходят в терминальный стрим.
func decide(st processor.Status, reason string, attempt, maxRetry, sourceRetryLimit int) verdict {
	switch st {
	case processor.StatusSuccess, processor.StatusPartialSuccess:
		return verdict{action: actAck}
	case processor.StatusSourceUnreachable:
		if attempt < sourceRetryLimit {
			return verdict{action: actRequeue, attempt: attempt + 1, reason: reason}
		}
		return verdict{action: actAck, reason: reason, demoted: true}
	default:
		if attempt < maxRetry {
			return verdict{action: actRequeue, attempt: attempt + 1, reason: reason, failure: true}
		}
		return verdict{action: actDeadLetter, attempt: attempt, reason: reason, failure: true}
	}
}

// handle обрабатывает одну доставленную запись от начала до конца:
// валидация, ресурсный guard, инференс, выгрузка артефактов и
// применение вердикта. Подтверждение оригинала — всегда последним.
func (w *Worker) handle(ctx context.Context, d stream.Delivery) {
	entry := d.Entry()
	jobID := entry.EffectiveJobID(d.ID)
	ctx = logger.ContextWithJobID(ctx, jobID)
	ctx = logger.ContextWithEntryID(ctx, d.ID)

	// Невалидная запись расходует бюджет повторов как обычный сбой
	// и доходит до DLQ с сохранённым полным набором полей.
	if entry.SourceURL == "" {
		v := decide(processor.StatusFailed, "missing sourceUrl",
			entry.Attempt, w.cfg.MaxRetry, w.cfg.SourceRetryLimit)
		w.apply(ctx, d, entry, v)
		return
	}

	// Ресурсный guard: перегрузка — не сбой задания,
	// attempt не увеличивается.
	if ok, reason := w.guard.Allow(); !ok {
		w.applyCongestionRequeue(ctx, d, entry, reason)
		return
	}

	started := time.Now()
	res, err := w.adapter.Process(ctx, processor.Job{
		CCTVID:      entry.CCTVID,
		SourceURL:   entry.SourceURL,
		DurationSec: entry.DurationSec,
		JobID:       jobID,
	})
	metrics.ProcessLatency.Observe(time.Since(started).Seconds())

	if err != nil {
		v := decide(processor.StatusFailed, err.Error(), entry.Attempt, w.cfg.MaxRetry, w.cfg.SourceRetryLimit)
		w.apply(ctx, d, entry, v)
		return
	}
	defer w.cleanupWorkDir(res.WorkDir)

	reason := res.Error
	if reason == "" {
		reason = string(res.Status)
	}
	v := decide(res.Status, reason, entry.Attempt, w.cfg.MaxRetry, w.cfg.SourceRetryLimit)

	// Артефакты выгружаются до подтверждения: упавшая выгрузка
	// превращает успех в обычный сбой с повтором.
	if v.action == actAck && len(res.Artifacts) > 0 {
		if _, expErr := w.exporter.Export(ctx, jobID, res.Artifacts); expErr != nil {
			w.log.Error("worker: artifact export failed", zap.Error(expErr))
			v = decide(processor.StatusFailed, "export: "+expErr.Error(),
				entry.Attempt, w.cfg.MaxRetry, w.cfg.SourceRetryLimit)
		}
	}

	w.apply(ctx, d, entry, v)
}

func (w *Worker) apply(ctx context.Context, d stream.Delivery, entry stream.Entry, v verdict) {
	switch v.action {
	case actAck:
		// Демоция (источник так и не ожил) — тоже учтённое выполнение:
		// запись подтверждается, задание больше не переигрывается.
		if v.demoted {
			w.log.Warn("worker: source unreachable, retries exhausted, completing",
				zap.String("cctv_id", entry.CCTVID),
				zap.Int("attempt", entry.Attempt),
				zap.String("reason", v.reason))
		}
		w.counters.Inc(counters.Processed)
		metrics.Processed.Inc()
		w.acks.Schedule(ctx, d.Partition, d.ID)

	case actRequeue:
		if v.failure {
			w.counters.Inc(counters.Failed)
			metrics.Failed.Inc()
		}
		retry := entry.WithRetry(v.attempt, v.reason, time.Now())
		if _, err := w.client.Append(ctx, d.Partition, retry.Values()); err != nil {
			w.log.Error("worker: requeue failed, leaving entry pending",
				zap.String("entry_id", d.ID), zap.Error(err))
			return
		}
		// Оригинал намеренно не подтверждается: копия с attempt+1 —
		// теперь основная запись задания, оригинал доберёт reclaim.
		w.counters.Inc(counters.Retried)
		metrics.Retried.Inc()
		w.log.Warn("worker: job requeued",
			zap.String("cctv_id", entry.CCTVID),
			zap.Int("attempt", v.attempt),
			zap.String("reason", v.reason))

	case actDeadLetter:
		w.counters.Inc(counters.Failed)
		metrics.Failed.Inc()
		w.applyDeadLetter(ctx, d, entry, v.reason)
	}
}

// applyDeadLetter пишет запись в терминальный стрим и только затем
// подтверждает оригинал. При сбое записи в DLQ оригинал остаётся
// в PEL и попадёт сюда снова через reclaim.
func (w *Worker) applyDeadLetter(ctx context.Context, d stream.Delivery, entry stream.Entry, finalErr string) {
	if _, err := w.client.Append(ctx, w.dlq, entry.DeadLetterValues(finalErr, time.Now())); err != nil {
		w.log.Error("worker: dead-letter append failed, leaving entry pending",
			zap.String("entry_id", d.ID), zap.Error(err))
		return
	}
	w.counters.Inc(counters.DLQ)
	metrics.DeadLettered.Inc()
	w.log.Error("worker: job dead-lettered",
		zap.String("cctv_id", entry.CCTVID),
		zap.Int("attempt", entry.Attempt),
		zap.String("final_error", finalErr))
	w.acks.Schedule(ctx, d.Partition, d.ID)
}

// applyCongestionRequeue возвращает запись в стрим без изменения
// attempt: перегрузка воркера не расходует бюджет повторов задания.
func (w *Worker) applyCongestionRequeue(ctx context.Context, d stream.Delivery, entry stream.Entry, reason string) {
	retry := entry.WithRetry(entry.Attempt, reason, time.Now())
	if _, err := w.client.Append(ctx, d.Partition, retry.Values()); err != nil {
		w.log.Error("worker: congestion requeue failed, leaving entry pending",
			zap.String("entry_id", d.ID), zap.Error(err))
		return
	}
	// Как и при обычном requeue, оригинал не подтверждается.
	metrics.CongestionRequeues.Inc()
	w.log.Warn("worker: job requeued due to congestion",
		zap.String("cctv_id", entry.CCTVID),
		zap.String("reason", reason))
}

func (w *Worker) cleanupWorkDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		w.log.Warn("worker: workdir cleanup failed",
			zap.String("dir", dir), zap.Error(err))
	}
}
