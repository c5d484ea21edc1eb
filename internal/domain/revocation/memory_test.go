package revocation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newEntry(tenant, digest string, revokedAt time.Time) Entry {
	return Entry{
		TenantID:    tenant,
		TokenDigest: digest,
		UserID:      uuid.New(),
		Reason:      ReasonLogout,
		RevokedAt:   revokedAt,
		ExpiresAt:   revokedAt.Add(time.Hour),
	}
}

func storedEntries(l *MemoryLog) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func TestMemoryLog_RecordAndContains(t *testing.T) {
	l := NewMemoryLog(0, 0)
	defer l.Close()
	ctx := context.Background()

	if err := l.Record(ctx, newEntry("acme", "digest-1", time.Now())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, _ := l.Contains(ctx, "acme", "digest-1")
	if !ok {
		t.Error("expected digest-1 to be revoked in acme")
	}
	ok, _ = l.Contains(ctx, "other", "digest-1")
	if ok {
		t.Error("expected digest-1 to be unknown in another tenant")
	}
}

func TestMemoryLog_RecordIsIdempotent(t *testing.T) {
	l := NewMemoryLog(0, 0)
	defer l.Close()
	ctx := context.Background()

	first := newEntry("acme", "digest-1", time.Now())
	second := first
	second.Reason = ReasonSuperseded

	l.Record(ctx, first)
	l.Record(ctx, second)

	if n := storedEntries(l); n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
	if got := l.entries[memoryKey("acme", "digest-1")].Reason; got != ReasonLogout {
		t.Errorf("expected first write to win, got reason %s", got)
	}
}

func TestMemoryLog_RejectsEmptyDigest(t *testing.T) {
	l := NewMemoryLog(0, 0)
	defer l.Close()

	if err := l.Record(context.Background(), newEntry("acme", "", time.Now())); err == nil {
		t.Error("expected error for entry without digest")
	}
}

func TestMemoryLog_Purge(t *testing.T) {
	l := NewMemoryLog(0, 0)
	defer l.Close()
	ctx := context.Background()
	now := time.Now()

	l.Record(ctx, newEntry("acme", "old", now.Add(-2*time.Hour)))
	l.Record(ctx, newEntry("acme", "new", now))

	n, err := l.Purge(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if ok, _ := l.Contains(ctx, "acme", "old"); ok {
		t.Error("expected old entry to be purged")
	}
	if ok, _ := l.Contains(ctx, "acme", "new"); !ok {
		t.Error("expected new entry to remain")
	}
}

func TestMemoryLog_CleanupLoop(t *testing.T) {
	l := NewMemoryLog(50*time.Millisecond, 10*time.Millisecond)
	defer l.Close()

	l.Record(context.Background(), newEntry("acme", "digest-1", time.Now()))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if storedEntries(l) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected cleanup loop to remove the entry")
}

func TestMemoryLog_CloseTwice(t *testing.T) {
	l := NewMemoryLog(time.Minute, time.Second)
	l.Close()
	l.Close()
}

func TestMemoryLog_ConcurrentAccess(t *testing.T) {
	l := NewMemoryLog(0, 0)
	defer l.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			l.Record(ctx, newEntry("acme", uuid.NewString(), time.Now()))
		}(i)
		go func() {
			defer wg.Done()
			l.Contains(ctx, "acme", "missing")
		}()
	}
	wg.Wait()

	if n := storedEntries(l); n != 50 {
		t.Errorf("expected 50 entries, got %d", n)
	}
}
