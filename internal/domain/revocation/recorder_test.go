package revocation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// flakyLog fails the first failures calls to Record.
type flakyLog struct {
	*MemoryLog
	failures int32
	calls    atomic.Int32
}

func (f *flakyLog) Record(ctx context.Context, e Entry) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("connection reset")
	}
	return f.MemoryLog.Record(ctx, e)
}

// blockingLog holds every write until release is closed.
type blockingLog struct {
	*MemoryLog
	release chan struct{}
	once    sync.Once
}

func (b *blockingLog) Record(ctx context.Context, e Entry) error {
	<-b.release
	return b.MemoryLog.Record(ctx, e)
}

func (b *blockingLog) unblock() { b.once.Do(func() { close(b.release) }) }

func testRecorderConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:     8,
		WriteTimeout:  time.Second,
		MaxTries:      3,
		RetryInterval: time.Millisecond,
	}
}

func TestRecorder_WritesSubmittedEntries(t *testing.T) {
	mem := NewMemoryLog(0, 0)
	defer mem.Close()
	r := NewRecorder(mem, zerolog.Nop(), testRecorderConfig(), nil)

	r.Submit(newEntry("acme", "d1", time.Now()))
	r.Submit(newEntry("acme", "d2", time.Now()))
	r.Close()

	if storedEntries(mem) != 2 {
		t.Errorf("expected 2 entries after close, got %d", storedEntries(mem))
	}
	if got := testutil.ToFloat64(r.recorded); got != 2 {
		t.Errorf("expected recorded=2, got %v", got)
	}
}

func TestRecorder_RetriesTransientFailures(t *testing.T) {
	mem := NewMemoryLog(0, 0)
	defer mem.Close()
	log := &flakyLog{MemoryLog: mem, failures: 2}
	r := NewRecorder(log, zerolog.Nop(), testRecorderConfig(), nil)

	r.Submit(newEntry("acme", "d1", time.Now()))
	r.Close()

	if storedEntries(mem) != 1 {
		t.Errorf("expected entry to be written after retries, got %d", storedEntries(mem))
	}
	if got := log.calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestRecorder_GivesUpAfterMaxTries(t *testing.T) {
	mem := NewMemoryLog(0, 0)
	defer mem.Close()
	log := &flakyLog{MemoryLog: mem, failures: 100}
	r := NewRecorder(log, zerolog.Nop(), testRecorderConfig(), nil)

	r.Submit(newEntry("acme", "d1", time.Now()))
	r.Close()

	if storedEntries(mem) != 0 {
		t.Errorf("expected no entries, got %d", storedEntries(mem))
	}
	if got := testutil.ToFloat64(r.failed); got != 1 {
		t.Errorf("expected failed=1, got %v", got)
	}
}

func TestRecorder_SubmitNeverBlocksWhenFull(t *testing.T) {
	mem := NewMemoryLog(0, 0)
	defer mem.Close()
	log := &blockingLog{MemoryLog: mem, release: make(chan struct{})}
	cfg := testRecorderConfig()
	cfg.QueueSize = 1
	cfg.WriteTimeout = 5 * time.Second
	r := NewRecorder(log, zerolog.Nop(), cfg, nil)
	defer func() {
		log.unblock()
		r.Close()
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Submit(newEntry("acme", "digest-"+string(rune('a'+i)), time.Now()))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a full queue")
	}

	// One entry is held by the writer, one sits in the queue.
	if got := testutil.ToFloat64(r.dropped); got < 8 {
		t.Errorf("expected at least 8 dropped entries, got %v", got)
	}
}

func TestRecorder_SubmitAfterCloseDrops(t *testing.T) {
	mem := NewMemoryLog(0, 0)
	defer mem.Close()
	r := NewRecorder(mem, zerolog.Nop(), testRecorderConfig(), nil)
	r.Close()
	r.Close()

	r.Submit(newEntry("acme", "d1", time.Now()))

	if storedEntries(mem) != 0 {
		t.Error("expected entry submitted after close to be dropped")
	}
	if got := testutil.ToFloat64(r.dropped); got != 1 {
		t.Errorf("expected dropped=1, got %v", got)
	}
}

func TestRecorder_RejectsInvalidEntry(t *testing.T) {
	mem := NewMemoryLog(0, 0)
	defer mem.Close()
	r := NewRecorder(mem, zerolog.Nop(), testRecorderConfig(), nil)

	r.Submit(newEntry("acme", "", time.Now()))
	r.Close()

	if storedEntries(mem) != 0 {
		t.Error("expected invalid entry to be rejected")
	}
}

func TestRecorder_RegistersCounters(t *testing.T) {
	mem := NewMemoryLog(0, 0)
	defer mem.Close()
	reg := prometheus.NewRegistry()
	r := NewRecorder(mem, zerolog.Nop(), RecorderConfig{}, reg)
	defer r.Close()

	if r.cfg != DefaultRecorderConfig() {
		t.Errorf("expected zero config to fall back to defaults, got %+v", r.cfg)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 3 {
		t.Errorf("expected 3 metric families, got %d", len(families))
	}
}
