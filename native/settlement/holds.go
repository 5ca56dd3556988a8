package settlement

import (
	"context"
	"sync"
)

// HoldStore remembers intents whose post-execution outcome could not be
// journaled. A held intent is never confirmed again.
type HoldStore interface {
	Hold(ctx context.Context, intentID, reason string) error
	Held(ctx context.Context, intentID string) (bool, error)
}

// MemoryHolds is the in-process HoldStore. Holds are lost on restart.
type MemoryHolds struct {
	mu    sync.RWMutex
	holds map[string]string
}

// NewMemoryHolds returns an empty in-memory hold store.
func NewMemoryHolds() *MemoryHolds {
	return &MemoryHolds{holds: make(map[string]string)}
}

func (m *MemoryHolds) Hold(_ context.Context, intentID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holds[intentID] = reason
	return nil
}

func (m *MemoryHolds) Held(_ context.Context, intentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.holds[intentID]
	return ok, nil
}
