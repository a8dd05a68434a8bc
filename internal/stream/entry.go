// internal/stream/entry.go
package stream

import (
	"fmt"
	"strconv"
	"time"
)

// Ключи полей записи на проводе. Плоская map[string]string,
// совместимая с продюсерами на стороне API.
const (
	FieldCCTVID     = "cctvId"
	FieldSourceURL  = "sourceUrl"
	FieldDuration   = "sec"
	FieldAttempt    = "attempt"
	FieldJobID      = "jobId"
	FieldEnqueuedAt = "enqueuedAt"
	FieldLastError  = "lastError"
	FieldRetryAt    = "retryAt"
	FieldFinalError = "finalError"
	FieldDLQAt      = "dlqAt"
)

// DefaultDurationSec — длительность захвата по умолчанию, секунд.
const DefaultDurationSec = 20

// Entry — единица работы: одно задание предобработки.
// Запись в стриме неизменяема; «повтор» — это новая запись,
// порождённая из полей старой с увеличенным attempt.
type Entry struct {
	CCTVID      string
	SourceURL   string
	DurationSec int
	Attempt     int
	JobID       string
	EnqueuedAt  string
	LastError   string
	RetryAt     string

	// Extra переносит нераспознанные поля без изменений,
	// чтобы не терять данные чужих продюсеров при requeue/DLQ.
	Extra map[string]string
}

// ParseEntry разбирает плоскую карту полей в Entry. Разбор терпимый:
// кривые числа заменяются значениями по умолчанию, незнакомые ключи
// уходят в Extra. Отсутствие sourceUrl валидируется обработчиком,
// а не здесь.
func ParseEntry(values map[string]string) Entry {
	e := Entry{DurationSec: DefaultDurationSec}
	for k, v := range values {
		switch k {
		case FieldCCTVID:
			e.CCTVID = v
		case FieldSourceURL:
			e.SourceURL = v
		case FieldDuration:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				e.DurationSec = n
			}
		case FieldAttempt:
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				e.Attempt = n
			}
		case FieldJobID:
			e.JobID = v
		case FieldEnqueuedAt:
			e.EnqueuedAt = v
		case FieldLastError:
			e.LastError = v
		case FieldRetryAt:
			e.RetryAt = v
		default:
			if e.Extra == nil {
				e.Extra = make(map[string]string)
			}
			e.Extra[k] = v
		}
	}
	return e
}

// Values сериализует Entry обратно в плоскую карту для XADD.
func (e Entry) Values() map[string]interface{} {
	out := make(map[string]interface{}, 8+len(e.Extra))
	out[FieldCCTVID] = e.CCTVID
	out[FieldSourceURL] = e.SourceURL
	out[FieldDuration] = strconv.Itoa(e.DurationSec)
	out[FieldAttempt] = strconv.Itoa(e.Attempt)
	if e.JobID != "" {
		out[FieldJobID] = e.JobID
	}
	if e.EnqueuedAt != "" {
		out[FieldEnqueuedAt] = e.EnqueuedAt
	}
	if e.LastError != "" {
		out[FieldLastError] = e.LastError
	}
	if e.RetryAt != "" {
		out[FieldRetryAt] = e.RetryAt
	}
	for k, v := range e.Extra {
		out[k] = v
	}
	return out
}

// WithRetry порождает новую запись для повторной постановки.
// attempt задаётся вызывающим: +1 для настоящих ошибок,
// без изменения — для congestion-повторов (ресурсный guard).
func (e Entry) WithRetry(attempt int, lastErr string, now time.Time) Entry {
	n := e
	n.Attempt = attempt
	n.LastError = lastErr
	n.RetryAt = strconv.FormatInt(now.UnixMilli(), 10)
	if e.Extra != nil {
		n.Extra = make(map[string]string, len(e.Extra))
		for k, v := range e.Extra {
			n.Extra[k] = v
		}
	}
	return n
}

// DeadLetterValues сериализует запись для терминального стрима:
// исходные поля + finalError и отметка времени.
func (e Entry) DeadLetterValues(finalErr string, now time.Time) map[string]interface{} {
	out := e.Values()
	out[FieldFinalError] = finalErr
	out[FieldDLQAt] = strconv.FormatInt(now.UnixMilli(), 10)
	return out
}

// EffectiveJobID возвращает jobId записи либо entryID стрима,
// если продюсер jobId не проставил.
func (e Entry) EffectiveJobID(entryID string) string {
	if e.JobID != "" {
		return e.JobID
	}
	return entryID
}

// Delivery — доставленная запись: партиция, идентификатор, поля.
type Delivery struct {
	Partition string
	ID        string
	Values    map[string]string
}

// Entry разбирает поля доставки.
func (d Delivery) Entry() Entry { return ParseEntry(d.Values) }

// stringifyValues приводит значения go-redis (map[string]interface{})
// к плоским строкам.
func stringifyValues(in map[string]interface{}) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case string:
			out[k] = t
		case []byte:
			out[k] = string(t)
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
