// internal/worker/worker.go

// Package worker реализует фоновый цикл потребления стрима работ:
// членство в consumer-group, диспетчеризацию с ограниченным
// параллелизмом, политику повторов и возврат зависших записей.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Helios-CCTV/preprocess-worker/internal/config"
	"github.com/Helios-CCTV/preprocess-worker/internal/counters"
	"github.com/Helios-CCTV/preprocess-worker/internal/guard"
	"github.com/Helios-CCTV/preprocess-worker/internal/metrics"
	"github.com/Helios-CCTV/preprocess-worker/internal/processor"
	"github.com/Helios-CCTV/preprocess-worker/internal/stream"
	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

// State — фаза жизненного цикла воркера.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ErrAlreadyRunning возвращается повторным Start без Stop.
var ErrAlreadyRunning = errors.New("worker: already running")

// Status — снимок состояния воркера для операционного API.
type Status struct {
	Running            bool   `json:"running"`
	State              string `json:"state"`
	Consumer           string `json:"consumer"`
	CurrentConcurrency int64  `json:"current_concurrency"`
	MaxConcurrency     int64  `json:"max_concurrency"`
}

// Worker — потребитель стрима работ. Создаётся один на процесс.
type Worker struct {
	cfg      config.WorkerConfig
	client   stream.Client
	adapter  processor.Adapter
	exporter processor.Exporter
	guard    guard.Guard
	counters *counters.Registry
	acks     *ackBatcher
	log      *logger.Logger

	partitions []string
	dlq        string
	consumer   string

	mu          sync.Mutex
	state       State
	sem         *semaphore.Weighted
	maxConc     int64
	cancel      context.CancelFunc
	loops       sync.WaitGroup
	inFlightIDs map[string]struct{}

	// drainOwned взводится reclaim-циклом: следующая итерация цикла
	// потребления перечитает собственный PEL (курсор "0") и подберёт
	// возвращённые записи.
	drainOwned atomic.Bool

	inFlight sync.WaitGroup
}

// Deps — зависимости воркера.
type Deps struct {
	Client   stream.Client
	Adapter  processor.Adapter
	Exporter processor.Exporter
	Guard    guard.Guard
	Counters *counters.Registry
	Log      *logger.Logger
}

// New собирает воркер. Имя потребителя, если не задано в конфиге,
// генерируется как worker_<8 hex>.
func New(cfg config.WorkerConfig, streamCfg config.StreamConfig, deps Deps) (*Worker, error) {
	if deps.Client == nil || deps.Adapter == nil || deps.Counters == nil || deps.Log == nil {
		return nil, fmt.Errorf("worker: client, adapter, counters and log are required")
	}
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("worker: max_concurrency must be >= 1")
	}
	exporter := deps.Exporter
	if exporter == nil {
		exporter = processor.NopExporter{}
	}
	g := deps.Guard
	if g == nil {
		g = guard.AlwaysAllow{}
	}
	consumer := cfg.ConsumerName
	if consumer == "" {
		consumer = "worker_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return &Worker{
		cfg:         cfg,
		client:      deps.Client,
		adapter:     deps.Adapter,
		exporter:    exporter,
		guard:       g,
		counters:    deps.Counters,
		acks:        newAckBatcher(deps.Client, cfg.BatchAck, cfg.AckFlushInterval, deps.Log),
		log:         deps.Log,
		partitions:  streamCfg.Partitions(),
		dlq:         streamCfg.DLQ(),
		consumer:    consumer,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		maxConc:     int64(cfg.MaxConcurrency),
		inFlightIDs: make(map[string]struct{}),
	}, nil
}

// Consumer возвращает имя потребителя в группе.
func (w *Worker) Consumer() string { return w.consumer }

// Start переводит воркер в Running и запускает фоновые циклы.
// Повторный Start без Stop — ошибка.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		w.log.Warn("worker: start rejected", zap.String("state", w.state.String()))
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	w.state = StateRunning
	w.cancel = cancel
	w.mu.Unlock()

	for _, p := range w.partitions {
		if err := w.client.EnsureGroup(ctx, p); err != nil {
			w.teardown()
			return err
		}
	}

	w.loops.Add(3)
	go func() { defer w.loops.Done(); w.consumeLoop(ctx) }()
	go func() { defer w.loops.Done(); w.reclaimLoop(ctx) }()
	go func() { defer w.loops.Done(); w.acks.Run(ctx) }()

	w.log.Info("worker: started",
		zap.String("consumer", w.consumer),
		zap.Strings("partitions", w.partitions),
		zap.String("dlq", w.dlq),
		zap.Int("max_concurrency", w.cfg.MaxConcurrency))
	return nil
}

// Stop переводит воркер в Stopping, дожидается фоновых циклов и
// задач в полёте (не дольше shutdown_grace), делает финальный сброс
// подтверждений и возвращает воркер в Stopped.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return
	}
	w.state = StateStopping
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.loops.Wait()

	done := make(chan struct{})
	go func() { w.inFlight.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		w.log.Warn("worker: shutdown grace expired, abandoning in-flight jobs",
			zap.Duration("grace", w.cfg.ShutdownGrace))
	}

	w.acks.Flush(context.Background())
	w.teardown()
	w.log.Info("worker: stopped")
}

func (w *Worker) teardown() {
	w.mu.Lock()
	w.state = StateStopped
	w.cancel = nil
	w.mu.Unlock()
}

// Run — блокирующая обёртка для errgroup: Start, ожидание контекста,
// затем graceful Stop.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return ctx.Err()
}

// Status возвращает снимок состояния для /status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	st := w.state
	maxConc := w.maxConc
	w.mu.Unlock()
	return Status{
		Running:            st == StateRunning,
		State:              st.String(),
		Consumer:           w.consumer,
		CurrentConcurrency: w.counters.Get(counters.ConcurrencyCurrent),
		MaxConcurrency:     maxConc,
	}
}

// SetMaxConcurrency меняет ёмкость диспетчера на лету. Новый семафор
// подменяет старый; задачи в полёте освобождают тот экземпляр,
// на котором захватывались, поэтому пересечение режимов безопасно.
func (w *Worker) SetMaxConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("worker: max_concurrency must be >= 1, got %d", n)
	}
	w.mu.Lock()
	w.sem = semaphore.NewWeighted(int64(n))
	w.maxConc = int64(n)
	w.mu.Unlock()
	w.log.Info("worker: max concurrency updated", zap.Int("max_concurrency", n))
	return nil
}

/*
   --------------------------------------------------------------------------
   ЦИКЛ ПОТРЕБЛЕНИЯ
   --------------------------------------------------------------------------
*/

func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		// Reclaim перевёл зависшие записи на этого потребителя —
		// подбираем их из собственного PEL до следующего обычного чтения.
		if w.drainOwned.Swap(false) {
			w.drainOwnedEntries(ctx)
		}

		deliveries, err := w.client.ReadBatch(ctx, w.partitions, w.consumer,
			int64(w.cfg.BatchCount), w.cfg.BlockTime)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if stream.IsGroupMissing(err) {
				w.recreateGroups(ctx)
				continue
			}
			metrics.ReadErrors.Inc()
			w.log.Error("worker: read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ReadErrorBackoff):
			}
			continue
		}
		if len(deliveries) == 0 {
			continue
		}
		metrics.EntriesRead.Add(float64(len(deliveries)))
		for _, d := range deliveries {
			w.dispatch(ctx, d)
		}
		w.refreshPending(ctx)
	}
}

func (w *Worker) drainOwnedEntries(ctx context.Context) {
	deliveries, err := w.client.ReadOwned(ctx, w.partitions, w.consumer,
		int64(w.cfg.BatchCount))
	if err != nil {
		w.log.Error("worker: owned backlog read failed", zap.Error(err))
		return
	}
	for _, d := range deliveries {
		w.dispatch(ctx, d)
	}
}

// recreateGroups восстанавливает consumer-group после NOGROUP
// (стрим пересоздали или Redis потерял данные).
func (w *Worker) recreateGroups(ctx context.Context) {
	metrics.GroupRecreated.Inc()
	w.log.Warn("worker: consumer group missing, recreating")
	for _, p := range w.partitions {
		if err := w.client.EnsureGroup(ctx, p); err != nil {
			w.log.Error("worker: recreate group failed",
				zap.String("partition", p), zap.Error(err))
		}
	}
}

// dispatch запускает задачу немедленно и возвращает управление циклу:
// семафор захватывается уже внутри задачи, поэтому чтение никогда
// не блокируется диспетчером. Задач в очереди на вход может быть
// сколько угодно, активных — не больше ёмкости семафора.
// Повторная доставка записи, которая уже в работе, отбрасывается.
func (w *Worker) dispatch(ctx context.Context, d stream.Delivery) {
	key := d.Partition + "/" + d.ID
	w.mu.Lock()
	if _, dup := w.inFlightIDs[key]; dup {
		w.mu.Unlock()
		return
	}
	w.inFlightIDs[key] = struct{}{}
	sem := w.sem
	w.mu.Unlock()

	w.inFlight.Add(1)

	// Допущенная задача не обрывается отменой цикла: на остановке ей
	// даётся shutdown_grace, а длительность ограничивает таймаут адаптера.
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.inFlightIDs, key)
			w.mu.Unlock()
			w.inFlight.Done()
		}()
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		w.counters.Inc(counters.ConcurrencyCurrent)
		metrics.InFlight.Inc()
		defer func() {
			sem.Release(1)
			w.counters.Dec(counters.ConcurrencyCurrent)
			metrics.InFlight.Dec()
		}()
		w.handle(jobCtx, d)
	}()
}

/*
   --------------------------------------------------------------------------
   ВОЗВРАТ ЗАВИСШИХ ЗАПИСЕЙ
   --------------------------------------------------------------------------
*/

// reclaimLoop периодически переводит записи, висящие в PEL дольше
// visibility_timeout, во владение этого потребителя. Сам цикл их
// не обрабатывает — только взводит drainOwned, чтобы цикл потребления
// подобрал возвращённое как обычную работу. Заодно обновляет
// метрику глубины PEL.
func (w *Worker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reclaimOnce(ctx)
			w.refreshPending(ctx)
		}
	}
}

func (w *Worker) reclaimOnce(ctx context.Context) {
	for _, p := range w.partitions {
		deliveries, err := w.client.ReclaimStale(ctx, p, w.consumer,
			w.cfg.VisibilityTimeout, int64(w.cfg.ReclaimBatch))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if stream.IsGroupMissing(err) {
				w.recreateGroups(ctx)
				return
			}
			w.log.Error("worker: reclaim failed",
				zap.String("partition", p), zap.Error(err))
			continue
		}
		if len(deliveries) == 0 {
			continue
		}
		metrics.Reclaimed.Add(float64(len(deliveries)))
		w.log.Info("worker: reclaimed stale entries",
			zap.String("partition", p),
			zap.Int("count", len(deliveries)))
		w.drainOwned.Store(true)
	}
}

func (w *Worker) refreshPending(ctx context.Context) {
	var total int64
	for _, p := range w.partitions {
		n, err := w.client.PendingCount(ctx, p)
		if err != nil {
			return
		}
		total += n
	}
	w.counters.Set(counters.Pending, total)
	metrics.PendingEntries.Set(float64(total))
}
