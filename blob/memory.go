package blob

import (
	"context"
	"sync"

	"github.com/mwantia/pacsindex/data"
)

// MemoryStore keeps blobs in process memory. Used in tests and as the
// companion of the in-memory index backend.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
	}
}

// Name returns the identifier name defined for this store.
func (*MemoryStore) Name() string {
	return "memory"
}

func (ms *MemoryStore) Create(ctx context.Context, id string, content []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored := make([]byte, len(content))
	copy(stored, content)
	ms.blobs[id] = stored

	return nil
}

func (ms *MemoryStore) Read(ctx context.Context, id string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	stored, ok := ms.blobs[id]
	if !ok {
		return nil, data.ErrUnknownBlob
	}

	content := make([]byte, len(stored))
	copy(content, stored)

	return content, nil
}

func (ms *MemoryStore) Remove(ctx context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.blobs, id)
	return nil
}

func (ms *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	_, ok := ms.blobs[id]
	return ok, nil
}
