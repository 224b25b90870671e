package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is a sliding-window request log for one key and one horizon.
type window struct {
	stamps []time.Time
}

// prune drops stamps older than horizon and returns the remaining count.
func (w *window) prune(now time.Time, horizon time.Duration) int {
	cut := now.Add(-horizon)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cut) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
	return len(w.stamps)
}

type entry struct {
	minute     window
	hour       window
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with two in-memory sliding windows per
// key. A request is admitted only when both the per-minute and per-hour
// budgets have room; an admitted request is charged to both windows, a
// rejected one to neither.
type MemoryLimiter struct {
	perMinute int
	perHour   int

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	done     chan struct{}

	now func() time.Time
}

// NewMemoryLimiter creates a dual-window limiter. A background goroutine
// evicts keys idle for over an hour; call Close to stop it.
func NewMemoryLimiter(perMinute, perHour int) *MemoryLimiter {
	m := &MemoryLimiter{
		perMinute: perMinute,
		perHour:   perHour,
		entries:   make(map[string]*entry),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	go m.cleanup()
	return m
}

// Allow admits or rejects one request for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.lastAccess = now

	inMinute := e.minute.prune(now, time.Minute)
	inHour := e.hour.prune(now, time.Hour)

	minuteLeft := m.perMinute - inMinute
	hourLeft := m.perHour - inHour

	d := Decision{Limit: m.perMinute, Remaining: minuteLeft}
	if hourLeft < minuteLeft {
		d.Limit = m.perHour
		d.Remaining = hourLeft
	}

	if minuteLeft <= 0 || hourLeft <= 0 {
		d.Allowed = false
		d.Remaining = 0
		d.ResetAt = m.resetAt(e, now, minuteLeft <= 0)
		return d, nil
	}

	e.minute.stamps = append(e.minute.stamps, now)
	e.hour.stamps = append(e.hour.stamps, now)
	d.Allowed = true
	d.Remaining--
	return d, nil
}

// resetAt reports when the exhausted window next frees a slot.
func (m *MemoryLimiter) resetAt(e *entry, now time.Time, minuteExhausted bool) time.Time {
	if minuteExhausted && len(e.minute.stamps) > 0 {
		return e.minute.stamps[0].Add(time.Minute)
	}
	if len(e.hour.stamps) > 0 {
		return e.hour.stamps[0].Add(time.Hour)
	}
	return now.Add(time.Minute)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = time.Hour

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, e := range m.entries {
		if e.lastAccess.Before(cutoff) {
			delete(m.entries, key)
		}
	}
}
