// Package memory is an in-process storage.Backend.
package memory

import (
	"context"
	"sync"

	"github.com/c0deZ3R0/go-cart-sync/storage"
)

// Backend keeps values in a map. It is safe for concurrent use.
type Backend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

var _ storage.Backend = (*Backend)(nil)

// New returns an empty backend.
func New() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

// Load returns a copy of the value at key.
func (b *Backend) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, storage.ErrClosed
	}
	v, ok := b.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Save stores a copy of value.
func (b *Backend) Save(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	b.data[key] = v
	return nil
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	delete(b.data, key)
	return nil
}

// Put writes raw bytes without encoding. Tests use it to plant corrupt values.
func (b *Backend) Put(key string, raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = raw
}

// Close marks the backend closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
