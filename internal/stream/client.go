// internal/stream/client.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Helios-CCTV/preprocess-worker/pkg/backoff"
	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

// ErrGroupMissing сигнализирует, что consumer-group для партиции
// не существует (Redis вернул NOGROUP). Потребитель обязан вызвать
// EnsureGroup и повторить чтение.
var ErrGroupMissing = errors.New("stream: consumer group missing")

// IsGroupMissing сообщает, вызвана ли ошибка отсутствием группы.
func IsGroupMissing(err error) bool {
	return errors.Is(err, ErrGroupMissing)
}

// Config — подключение к Redis и имя группы потребителей.
type Config struct {
	URL     string         `mapstructure:"url"`
	Group   string         `mapstructure:"group"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

// Client — операции над стримом работ. Клиент привязан к одной
// consumer-group; партиции передаются в каждую операцию.
type Client interface {
	// EnsureGroup создаёт группу на партиции (MKSTREAM).
	// Уже существующая группа — не ошибка.
	EnsureGroup(ctx context.Context, partition string) error

	// ReadBatch блокирующе читает новые записи (курсор ">")
	// со всех партиций разом. Пустой результат при таймауте — nil, nil.
	ReadBatch(ctx context.Context, partitions []string, consumer string, count int64, block time.Duration) ([]Delivery, error)

	// ReadOwned неблокирующе перечитывает записи, уже доставленные
	// этому потребителю и не подтверждённые (курсор "0"). Так цикл
	// потребления подбирает работу, переданную ему reclaim-ом.
	ReadOwned(ctx context.Context, partitions []string, consumer string, count int64) ([]Delivery, error)

	// Append добавляет запись в партицию и возвращает её ID.
	Append(ctx context.Context, partition string, values map[string]interface{}) (string, error)

	// Ack подтверждает записи в группе.
	Ack(ctx context.Context, partition string, ids ...string) error

	// ReclaimStale переводит зависшие записи (idle >= minIdle)
	// на указанного потребителя. XAUTOCLAIM от начала PEL.
	ReclaimStale(ctx context.Context, partition, consumer string, minIdle time.Duration, count int64) ([]Delivery, error)

	// PendingCount возвращает размер PEL группы на партиции.
	PendingCount(ctx context.Context, partition string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

type redisClient struct {
	rdb   *redis.Client
	group string
	log   *logger.Logger
}

// New подключается к Redis с ретраями и возвращает клиент стрима.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("stream: url is required")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("stream: group is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)

	err = backoff.Execute(ctx, cfg.Backoff, log, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("stream: ping redis: %w", err)
	}

	log.Info("stream: connected to redis")
	return &redisClient{rdb: rdb, group: cfg.Group, log: log}, nil
}

func (c *redisClient) EnsureGroup(ctx context.Context, partition string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, partition, c.group, "$").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream: create group %q on %q: %w", c.group, partition, err)
	}
	c.log.Info("stream: consumer group created",
		zap.String("partition", partition),
		zap.String("group", c.group))
	return nil
}

func (c *redisClient) ReadBatch(ctx context.Context, partitions []string, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	streams := make([]string, 0, len(partitions)*2)
	streams = append(streams, partitions...)
	for range partitions {
		streams = append(streams, ">")
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("stream: read group: %w", err))
	}

	return flatten(res), nil
}

func (c *redisClient) ReadOwned(ctx context.Context, partitions []string, consumer string, count int64) ([]Delivery, error) {
	streams := make([]string, 0, len(partitions)*2)
	streams = append(streams, partitions...)
	for range partitions {
		streams = append(streams, "0")
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify(fmt.Errorf("stream: read owned: %w", err))
	}
	return flatten(res), nil
}

func flatten(res []redis.XStream) []Delivery {
	var out []Delivery
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Delivery{
				Partition: s.Stream,
				ID:        m.ID,
				Values:    stringifyValues(m.Values),
			})
		}
	}
	return out
}

func (c *redisClient) Append(ctx context.Context, partition string, values map[string]interface{}) (string, error) {
	ctx, span := otel.Tracer("stream").Start(ctx, "stream.Append")
	defer span.End()
	span.SetAttributes(attribute.String("partition", partition))

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: partition,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream: xadd to %q: %w", partition, err)
	}
	return id, nil
}

func (c *redisClient) Ack(ctx context.Context, partition string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, span := otel.Tracer("stream").Start(ctx, "stream.Ack")
	defer span.End()
	span.SetAttributes(
		attribute.String("partition", partition),
		attribute.Int("count", len(ids)),
	)

	if err := c.rdb.XAck(ctx, partition, c.group, ids...).Err(); err != nil {
		return classify(fmt.Errorf("stream: xack on %q: %w", partition, err))
	}
	return nil
}

func (c *redisClient) ReclaimStale(ctx context.Context, partition, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   partition,
		Group:    c.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, classify(fmt.Errorf("stream: xautoclaim on %q: %w", partition, err))
	}

	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Delivery{
			Partition: partition,
			ID:        m.ID,
			Values:    stringifyValues(m.Values),
		})
	}
	return out, nil
}

func (c *redisClient) PendingCount(ctx context.Context, partition string) (int64, error) {
	p, err := c.rdb.XPending(ctx, partition, c.group).Result()
	if err != nil {
		return 0, classify(fmt.Errorf("stream: xpending on %q: %w", partition, err))
	}
	return p.Count, nil
}

func (c *redisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *redisClient) Close() error {
	return c.rdb.Close()
}

// classify оборачивает NOGROUP-ошибки Redis в ErrGroupMissing,
// чтобы потребитель мог самовосстановиться через EnsureGroup.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "NOGROUP") {
		return fmt.Errorf("%w: %v", ErrGroupMissing, err)
	}
	return err
}
