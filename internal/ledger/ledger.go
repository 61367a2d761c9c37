// Package ledger records which emails have already been delivered so that a
// resubmitted email is never sent twice.
package ledger

import (
	"context"
	"sync"
)

// Ledger is the idempotency record. An ID enters it only after a backend
// confirmed delivery and is never removed.
type Ledger interface {
	Has(ctx context.Context, id string) (bool, error)
	// MarkSent is a no-op for IDs already present.
	MarkSent(ctx context.Context, id string) error
}

var _ Ledger = (*Memory)(nil)

// Memory is an in-process Ledger. It grows for the lifetime of the process.
type Memory struct {
	mu   sync.RWMutex
	sent map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{sent: make(map[string]struct{})}
}

func (m *Memory) Has(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.sent[id]
	return ok, nil
}

func (m *Memory) MarkSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent[id] = struct{}{}
	return nil
}

// Len returns the number of delivered IDs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sent)
}
