package storage

import (
	"context"
	"sync"

	"github.com/raterudder/spotexporter/pkg/types"
)

// MemoryStore keeps the encoded state document in memory. Documents go
// through the same codec as the persistent stores.
type MemoryStore struct {
	mu       sync.Mutex
	data     []byte
	writes   int
	writeErr error
}

var _ StateStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Seed replaces the stored document with raw bytes, which need not be valid.
func (m *MemoryStore) Seed(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
}

// FailWrites makes every following Write return err. A nil err restores
// normal behavior.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Writes returns how many writes succeeded.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryStore) Read(ctx context.Context) (types.RunState, bool) {
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()

	if data == nil {
		return types.RunState{}, false
	}
	return decodeState(ctx, data, "memory")
}

func (m *MemoryStore) Write(ctx context.Context, state types.RunState) error {
	data, err := types.MarshalRunState(state)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.data = data
	m.writes++
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
