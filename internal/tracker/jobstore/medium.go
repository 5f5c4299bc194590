package jobstore

import (
	"context"
	"slices"
	"sync"
)

// Medium persists the store blob under a single key
type Medium interface {
	// Load returns ErrNoState when the key is absent
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, blob []byte) error
	Clear(ctx context.Context, key string) error
}

// MemoryMedium keeps blobs in process memory
type MemoryMedium struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// failSave makes Save return this error when set
	failSave error
}

func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{blobs: make(map[string][]byte)}
}

func (m *MemoryMedium) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.blobs[key]
	if !ok {
		return nil, ErrNoState
	}
	return slices.Clone(blob), nil
}

func (m *MemoryMedium) Save(_ context.Context, key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSave != nil {
		return m.failSave
	}
	m.blobs[key] = slices.Clone(blob)
	return nil
}

func (m *MemoryMedium) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, key)
	return nil
}

// SetFailSave toggles write failures
func (m *MemoryMedium) SetFailSave(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSave = err
}
