package journal

import (
	"context"
	"sync"
)

// MemoryStore keeps the last capacity records in a ring.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	next    int
	full    bool
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{records: make([]Record, capacity)}
}

func (ms *MemoryStore) Append(_ context.Context, record Record) error {
	if record.ConnectionID == "" {
		return ErrConnectionIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.records[ms.next] = record
	ms.next = (ms.next + 1) % len(ms.records)
	if ms.next == 0 {
		ms.full = true
	}
	return nil
}

func (ms *MemoryStore) Recent(_ context.Context, principalID string, limit int) ([]Record, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	size := ms.next
	if ms.full {
		size = len(ms.records)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Record, 0, limit)
	for i := 1; i <= size && len(out) < limit; i++ {
		idx := (ms.next - i + len(ms.records)) % len(ms.records)
		r := ms.records[idx]
		if principalID == "" || r.PrincipalID == principalID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.full {
		return len(ms.records)
	}
	return ms.next
}
