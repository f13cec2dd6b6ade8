package objectstore

import (
	"context"
	"fmt"
	"sync"
)

// Storage is the narrow blob-store interface the evaluation pipeline depends
// on. Audio segments are referenced by opaque object names; the pipeline
// never interprets them.
type Storage interface {
	// Get retrieves the full contents of an object.
	Get(ctx context.Context, reference string) ([]byte, error)
	// Put stores data under a generated unique object name derived from
	// originalFilename's extension, and returns that name.
	Put(ctx context.Context, originalFilename string, data []byte, contentType string) (string, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, reference string) error
}

// MemoryStorage is an in-process Storage used by tests and local runs
// without a MinIO deployment.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
	nextID  int
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: map[string][]byte{}}
}

func (m *MemoryStorage) Get(_ context.Context, reference string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[reference]
	if !ok {
		return nil, fmt.Errorf("object %q not found", reference)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryStorage) Put(_ context.Context, originalFilename string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	name := fmt.Sprintf("mem-%d-%s", m.nextID, originalFilename)
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[name] = stored
	return name, nil
}

func (m *MemoryStorage) Delete(_ context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, reference)
	return nil
}

// Seed stores data under an exact reference, for tests that need to control
// the object name.
func (m *MemoryStorage) Seed(reference string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[reference] = stored
}
