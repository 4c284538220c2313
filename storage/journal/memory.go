package journal

import (
	"context"
	"sync"

	"crossloan/loan"
)

// Memory keeps entries for the lifetime of the process.
type Memory struct {
	mu      sync.RWMutex
	entries map[loan.DispatchKey]Entry
}

// NewMemory constructs an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{entries: make(map[loan.DispatchKey]Entry)}
}

func (m *Memory) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entry.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Key] = entry
	return nil
}

func (m *Memory) Delete(ctx context.Context, key loan.DispatchKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Load(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
