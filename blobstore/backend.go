package blobstore

import (
	"context"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/novatra/novatra/models"
)

// Backend persists blob bytes. It knows nothing about references; Store
// decides when bytes are written and removed.
type Backend interface {
	Write(ctx context.Context, d digest.Digest, data []byte) error
	Read(ctx context.Context, d digest.Digest) ([]byte, error)
	Delete(ctx context.Context, d digest.Digest) error
	Exists(ctx context.Context, d digest.Digest) (bool, error)
}

// MemoryBackend keeps blobs in process memory.
type MemoryBackend struct {
	data  map[digest.Digest][]byte
	mutex sync.RWMutex
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[digest.Digest][]byte),
	}
}

func (m *MemoryBackend) Write(ctx context.Context, d digest.Digest, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.data[d] = stored
	return nil
}

func (m *MemoryBackend) Read(ctx context.Context, d digest.Digest) ([]byte, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	data, ok := m.data[d]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "blob %s", d)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, d digest.Digest) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.data, d)
	return nil
}

func (m *MemoryBackend) Exists(ctx context.Context, d digest.Digest) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	_, ok := m.data[d]
	return ok, nil
}

// Len returns the number of stored blobs.
func (m *MemoryBackend) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.data)
}
