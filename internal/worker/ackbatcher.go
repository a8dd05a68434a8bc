// internal/worker/ackbatcher.go
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Helios-CCTV/preprocess-worker/internal/metrics"
	"github.com/Helios-CCTV/preprocess-worker/internal/stream"
	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

// minAckFlushInterval — нижняя граница периода сброса подтверждений.
const minAckFlushInterval = 50 * time.Millisecond

// ackBatcher копит идентификаторы подтверждённых записей и сбрасывает
// их в Redis одним XACK на партицию. При выключенном батчинге каждое
// подтверждение уходит немедленно.
//
// Неудачный сброс не повторяется: записи остаются в PEL и вернутся
// через reclaim, повторная обработка безопасна при at-least-once.
type ackBatcher struct {
	client   stream.Client
	log      *logger.Logger
	enabled  bool
	interval time.Duration

	mu  sync.Mutex
	buf map[string][]string
}

func newAckBatcher(client stream.Client, enabled bool, interval time.Duration, log *logger.Logger) *ackBatcher {
	if interval < minAckFlushInterval {
		interval = minAckFlushInterval
	}
	return &ackBatcher{
		client:   client,
		log:      log,
		enabled:  enabled,
		interval: interval,
		buf:      make(map[string][]string),
	}
}

// Schedule ставит запись на подтверждение. При выключенном батчинге
// подтверждает сразу; ошибка при этом логируется и глотается.
func (b *ackBatcher) Schedule(ctx context.Context, partition, id string) {
	if !b.enabled {
		if err := b.client.Ack(ctx, partition, id); err != nil {
			metrics.AckFlushErrors.Inc()
			b.log.Warn("worker: immediate ack failed",
				zap.String("partition", partition),
				zap.String("entry_id", id),
				zap.Error(err))
		}
		return
	}
	b.mu.Lock()
	b.buf[partition] = append(b.buf[partition], id)
	b.mu.Unlock()
}

// Run сбрасывает буфер по таймеру до отмены контекста,
// после чего делает финальный сброс.
func (b *ackBatcher) Run(ctx context.Context) {
	if !b.enabled {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Flush забирает буфер под мьютексом и подтверждает записи вне его,
// чтобы не держать продюсеров подтверждений на время сетевого вызова.
func (b *ackBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	pending := b.buf
	b.buf = make(map[string][]string)
	b.mu.Unlock()

	for partition, ids := range pending {
		if len(ids) == 0 {
			continue
		}
		if err := b.client.Ack(ctx, partition, ids...); err != nil {
			// Потерянные ID не возвращаем в буфер: их вернёт reclaim.
			metrics.AckFlushErrors.Inc()
			b.log.Warn("worker: ack flush failed",
				zap.String("partition", partition),
				zap.Int("count", len(ids)),
				zap.Error(err))
			continue
		}
		metrics.AckFlushes.Inc()
	}
}
