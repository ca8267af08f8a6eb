package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signrelay/signrelay/types"
)

// MemoryStore keeps blobs in process memory. Useful for tests and the
// single-process demo setup.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	m.blobs[key] = buf
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %q: %w", key, types.ErrNotFound)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (m *MemoryStore) URL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.blobs[key]; !ok {
		return "", fmt.Errorf("blob %q: %w", key, types.ErrNotFound)
	}
	return "memory://" + key, nil
}
