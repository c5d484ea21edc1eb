package revocation

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps revocation entries in process memory. Entries older than
// the retention window are dropped by a background loop. Thread-safe.
type MemoryLog struct {
	mu        sync.RWMutex
	entries   map[string]Entry // tenant/digest -> entry
	retention time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryLog creates a MemoryLog and starts its cleanup goroutine, which
// runs every interval. A zero retention keeps entries until Purge is called.
func NewMemoryLog(retention, interval time.Duration) *MemoryLog {
	l := &MemoryLog{
		entries:   make(map[string]Entry),
		retention: retention,
		done:      make(chan struct{}),
	}
	if retention > 0 && interval > 0 {
		go l.cleanupLoop(interval)
	}
	return l
}

func memoryKey(tenantID, digest string) string {
	return tenantID + "/" + digest
}

// Record stores e unless an entry with the same tenant and digest exists.
func (l *MemoryLog) Record(_ context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := memoryKey(e.TenantID, e.TokenDigest)
	if _, ok := l.entries[key]; ok {
		return nil
	}
	l.entries[key] = e
	return nil
}

// Contains reports whether digest was revoked in tenantID.
func (l *MemoryLog) Contains(_ context.Context, tenantID, digest string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.entries[memoryKey(tenantID, digest)]
	return ok, nil
}

// Purge removes entries revoked before the given time.
func (l *MemoryLog) Purge(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for key, e := range l.entries {
		if e.RevokedAt.Before(before) {
			delete(l.entries, key)
			n++
		}
	}
	return n, nil
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (l *MemoryLog) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *MemoryLog) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case now := <-ticker.C:
			_, _ = l.Purge(context.Background(), now.Add(-l.retention))
		}
	}
}
