// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// EntriesRead — число записей, полученных из стрима через XREADGROUP.
	EntriesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "stream",
		Name:      "entries_read_total",
		Help:      "Total number of entries delivered by group reads",
	})

	// ReadErrors — ошибки чтения стрима (без учёта NOGROUP, который лечится сам).
	ReadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "stream",
		Name:      "read_errors_total",
		Help:      "Total number of group read errors",
	})

	// GroupRecreated — число случаев самовосстановления consumer group.
	GroupRecreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "stream",
		Name:      "group_recreated_total",
		Help:      "Times the consumer group was recreated after NOGROUP",
	})

	// Processed — успешно обработанные задания (включая partial_success).
	Processed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "worker",
		Name:      "processed_total",
		Help:      "Jobs completed successfully or partially",
	})

	// Failed — задания, завершившиеся ошибкой обработки.
	Failed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "worker",
		Name:      "failed_total",
		Help:      "Jobs that failed processing",
	})

	// Retried — задания, поставленные в очередь повторно.
	Retried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "worker",
		Name:      "retried_total",
		Help:      "Jobs requeued with an incremented attempt",
	})

	// DeadLettered — задания, ушедшие в dead-letter стрим.
	DeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "worker",
		Name:      "dead_lettered_total",
		Help:      "Jobs moved to the dead-letter stream",
	})

	// CongestionRequeues — повторные постановки из-за нехватки ресурсов
	// (не расходуют бюджет попыток).
	CongestionRequeues = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "worker",
		Name:      "congestion_requeues_total",
		Help:      "Requeues caused by the resource guard",
	})

	// InFlight — число заданий внутри обработчика в данный момент.
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "preprocess",
		Subsystem: "worker",
		Name:      "in_flight",
		Help:      "Entries currently being processed",
	})

	// PendingEntries — приблизительный размер PEL группы.
	PendingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "preprocess",
		Subsystem: "stream",
		Name:      "pending_entries",
		Help:      "Approximate number of delivered-but-unacked entries",
	})

	// AckFlushes — число flush-вызовов батчера подтверждений.
	AckFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "ack",
		Name:      "flushes_total",
		Help:      "Number of ack batch flushes issued",
	})

	// AckFlushErrors — ошибки flush-а (идентификаторы не перебуферизуются).
	AckFlushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "ack",
		Name:      "flush_errors_total",
		Help:      "Number of failed ack batch flushes",
	})

	// Reclaimed — записи, возвращённые из чужих PEL по visibility timeout.
	Reclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "preprocess",
		Subsystem: "stream",
		Name:      "reclaimed_total",
		Help:      "Entries reclaimed after exceeding the visibility timeout",
	})

	// ProcessLatency — длительность обработки одного задания.
	ProcessLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "preprocess",
		Subsystem: "worker",
		Name:      "process_latency_seconds",
		Help:      "Latency of a single entry handler run (seconds)",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			EntriesRead,
			ReadErrors,
			GroupRecreated,
			Processed,
			Failed,
			Retried,
			DeadLettered,
			CongestionRequeues,
			InFlight,
			PendingEntries,
			AckFlushes,
			AckFlushErrors,
			Reclaimed,
			ProcessLatency,
		)
	})
}
