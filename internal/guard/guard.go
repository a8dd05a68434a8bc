// internal/guard/guard.go

// Package guard — ресурсный ограничитель диспетчеризации.
// Перед запуском задания воркер спрашивает guard: если ресурсов
// не хватает, запись возвращается в стрим без увеличения attempt.
package guard

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Helios-CCTV/preprocess-worker/pkg/logger"
)

// Guard отвечает на один вопрос: можно ли сейчас брать задание.
type Guard interface {
	// Allow возвращает true, если ресурсов достаточно.
	// Вторым значением — человекочитаемая причина отказа.
	Allow() (bool, string)
}

// AlwaysAllow никогда не отказывает. Используется при guard.enabled=false.
type AlwaysAllow struct{}

func (AlwaysAllow) Allow() (bool, string) { return true, "" }

// MemAvailable отказывает, когда MemAvailable в /proc/meminfo
// опускается ниже порога. Ошибки чтения не блокируют работу.
type MemAvailable struct {
	MinBytes int64
	Path     string
	log      *logger.Logger
}

// NewMemAvailable возвращает guard с порогом minBytes.
func NewMemAvailable(minBytes int64, log *logger.Logger) *MemAvailable {
	return &MemAvailable{MinBytes: minBytes, Path: "/proc/meminfo", log: log}
}

func (g *MemAvailable) Allow() (bool, string) {
	avail, err := g.readAvailable()
	if err != nil {
		// Не смогли прочитать — пропускаем, а не блокируем.
		if g.log != nil {
			g.log.Warn("guard: meminfo probe failed", zap.Error(err))
		}
		return true, ""
	}
	if avail < g.MinBytes {
		return false, fmt.Sprintf("memory low: %d bytes available, %d required", avail, g.MinBytes)
	}
	return true, ""
}

func (g *MemAvailable) readAvailable() (int64, error) {
	f, err := os.Open(g.Path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("guard: malformed meminfo line %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("guard: parse meminfo: %w", err)
		}
		return kb * 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("guard: MemAvailable not found in %s", g.Path)
}
