package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// Memory is a process-local Store. Now can be replaced in tests.
type Memory struct {
	Now func() time.Time

	mu       sync.Mutex
	windows  map[string]*window
	requests int
}

func NewMemory() *Memory {
	return &Memory{Now: time.Now, windows: map[string]*window{}}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Memory) Check(ctx context.Context, key string, limit int, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || !m.now().Before(w.resetAt) {
		return limit > 0, nil
	}
	return w.count < int64(limit), nil
}

func (m *Memory) Increment(ctx context.Context, key string, d time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.requests++
	if m.requests%100 == 0 || len(m.windows) > 1000 {
		m.cleanup(now)
	}
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		m.windows[key] = w
	}
	w.count++
	return w.count, nil
}

func (m *Memory) cleanup(now time.Time) {
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}
