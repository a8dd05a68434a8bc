// internal/counters/counters.go
package counters

import (
	"sync"
	"time"
)

// Имена счётчиков, известных реестру. Остальные имена игнорируются —
// набор фиксирован на весь жизненный цикл процесса.
const (
	Processed          = "processed"
	Failed             = "failed"
	Retried            = "retried"
	DLQ                = "dlq"
	Pending            = "pending"
	ConcurrencyCurrent = "concurrency_current"
)

// Snapshot — консистентный срез всех счётчиков.
type Snapshot struct {
	Counters      map[string]int64 `json:"counters"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	StartTime     time.Time        `json:"start_time"`
}

// Registry — процессный реестр именованных счётчиков.
// Все мутации атомарны относительно одного мьютекса;
// значение никогда не опускается ниже нуля.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	start    time.Time
}

// New создаёт реестр с фиксированным набором счётчиков, все по нулям.
func New() *Registry {
	return &Registry{
		counters: map[string]int64{
			Processed:          0,
			Failed:             0,
			Retried:            0,
			DLQ:                0,
			Pending:            0,
			ConcurrencyCurrent: 0,
		},
		start: time.Now(),
	}
}

// Inc увеличивает счётчик на 1.
func (r *Registry) Inc(name string) { r.Add(name, 1) }

// Add увеличивает счётчик на delta.
func (r *Registry) Add(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[name]; ok {
		r.counters[name] += delta
	}
}

// Dec уменьшает счётчик на 1, не опускаясь ниже нуля.
func (r *Registry) Dec(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.counters[name]; ok {
		if v > 0 {
			r.counters[name] = v - 1
		} else {
			r.counters[name] = 0
		}
	}
}

// Set устанавливает значение счётчика (live-gauge: pending, concurrency_current).
func (r *Registry) Set(name string, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[name]; ok {
		if value < 0 {
			value = 0
		}
		r.counters[name] = value
	}
}

// Get возвращает текущее значение счётчика (0 для неизвестного имени).
func (r *Registry) Get(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// SnapshotAll возвращает копию всех счётчиков вместе с uptime.
func (r *Registry) SnapshotAll() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return Snapshot{
		Counters:      out,
		UptimeSeconds: time.Since(r.start).Seconds(),
		StartTime:     r.start,
	}
}

// Reset обнуляет все счётчики, кроме concurrency_current (живая величина),
// и перезапускает отсчёт uptime.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.counters {
		if k == ConcurrencyCurrent {
			continue
		}
		r.counters[k] = 0
	}
	r.start = time.Now()
}
