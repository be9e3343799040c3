package history

import (
	"context"
	"sync"
)

// MemoryMeta is a MetaStorage that forgets everything on restart.
type MemoryMeta struct {
	mu       sync.Mutex
	revision string
	ended    bool
}

func NewMemoryMeta() *MemoryMeta { return &MemoryMeta{} }

func (m *MemoryMeta) Revision(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revision, nil
}

func (m *MemoryMeta) SetRevision(_ context.Context, revision string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revision = revision
	return nil
}

func (m *MemoryMeta) HistoryEnded(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended, nil
}

func (m *MemoryMeta) SetHistoryEnded(_ context.Context, ended bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = ended
	return nil
}
