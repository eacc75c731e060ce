package dedupe

import (
	"context"
	"sync"
	"time"

	"clubBack/internal/models"
)

// Memory is a single-process Store used when Redis is not configured.
type Memory struct {
	mu         sync.Mutex
	ttl        time.Duration
	processing time.Duration
	now        func() time.Time
	entries    map[string]memoryEntry
}

type memoryEntry struct {
	Entry
	expires time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory(ttl, processing time.Duration) *Memory {
	ttl, processing = ttls(ttl, processing)
	return &Memory{ttl: ttl, processing: processing, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *Memory) Claim(_ context.Context, eventID string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.evict(now)
	if e, ok := m.entries[eventID]; ok {
		return e.Entry, false, nil
	}
	m.entries[eventID] = memoryEntry{
		Entry:   Entry{State: StateProcessing, UpdatedAt: now.UTC()},
		expires: now.Add(m.processing),
	}
	return Entry{}, true, nil
}

func (m *Memory) Complete(_ context.Context, eventID string, result models.ReconciliationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.entries[eventID] = memoryEntry{
		Entry:   Entry{State: StateCompleted, Result: result, UpdatedAt: now.UTC()},
		expires: now.Add(m.ttl),
	}
	return nil
}

func (m *Memory) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, eventID)
	return nil
}

func (m *Memory) evict(now time.Time) {
	for id, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, id)
		}
	}
}
