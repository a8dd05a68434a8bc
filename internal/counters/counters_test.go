// internal/counters/counters_test.go
package counters_test

import (
	"sync"
	"testing"

	"github.com/Helios-CCTV/preprocess-worker/internal/counters"
)

func TestIncDecFloor(t *testing.T) {
	r := counters.New()
	r.Inc(counters.Processed)
	r.Inc(counters.Processed)
	if got := r.Get(counters.Processed); got != 2 {
		t.Fatalf("processed = %d, want 2", got)
	}
	r.Dec(counters.Processed)
	r.Dec(counters.Processed)
	r.Dec(counters.Processed) // не должен уйти в минус
	if got := r.Get(counters.Processed); got != 0 {
		t.Fatalf("processed = %d, want 0", got)
	}
}

func TestUnknownNameIgnored(t *testing.T) {
	r := counters.New()
	r.Inc("no_such_counter")
	r.Set("no_such_counter", 42)
	if got := r.Get("no_such_counter"); got != 0 {
		t.Fatalf("unknown counter = %d, want 0", got)
	}
	snap := r.SnapshotAll()
	if _, ok := snap.Counters["no_such_counter"]; ok {
		t.Fatal("unknown counter leaked into snapshot")
	}
}

func TestSetClampsNegative(t *testing.T) {
	r := counters.New()
	r.Set(counters.Pending, -5)
	if got := r.Get(counters.Pending); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
	r.Set(counters.Pending, 7)
	if got := r.Get(counters.Pending); got != 7 {
		t.Fatalf("pending = %d, want 7", got)
	}
}

func TestResetKeepsConcurrency(t *testing.T) {
	r := counters.New()
	r.Inc(counters.Processed)
	r.Inc(counters.DLQ)
	r.Set(counters.ConcurrencyCurrent, 3)
	r.Reset()
	if got := r.Get(counters.Processed); got != 0 {
		t.Errorf("processed after reset = %d, want 0", got)
	}
	if got := r.Get(counters.DLQ); got != 0 {
		t.Errorf("dlq after reset = %d, want 0", got)
	}
	if got := r.Get(counters.ConcurrencyCurrent); got != 3 {
		t.Errorf("concurrency_current after reset = %d, want 3", got)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := counters.New()
	snap := r.SnapshotAll()
	snap.Counters[counters.Processed] = 99
	if got := r.Get(counters.Processed); got != 0 {
		t.Fatalf("registry mutated through snapshot: %d", got)
	}
}

func TestConcurrentMutation(t *testing.T) {
	r := counters.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Inc(counters.Retried)
			}
		}()
	}
	wg.Wait()
	if got := r.Get(counters.Retried); got != 5000 {
		t.Fatalf("retried = %d, want 5000", got)
	}
}
