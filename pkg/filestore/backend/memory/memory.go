// Package memory implements an in-memory storage backend.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/marmos91/shardstore/pkg/filestore"
)

// Backend implements filestore.Backend using in-memory storage.
//
// This implementation stores all objects in a map. It's designed for:
//   - Testing and development
//   - Ephemeral storages in demos
//
// Characteristics:
//   - Volatile: Data lost on restart
//   - Memory-bound: Limited by available RAM
//   - Process-local lock: the marker is a flag, not visible to other processes
//
// Thread Safety:
// All operations are protected by a sync.RWMutex. Copying data on read/write
// prevents data races with caller-owned buffers.
type Backend struct {
	name string

	// data stores object contents keyed by identifier
	data map[filestore.ID][]byte

	// locked is the lock marker
	locked bool

	mu sync.RWMutex
}

// New creates an empty in-memory backend.
func New(name string) *Backend {
	if name == "" {
		name = "memory"
	}
	return &Backend{
		name: name,
		data: make(map[filestore.ID][]byte),
	}
}

// Name returns the backend name.
func (b *Backend) Name() string { return b.name }

// Close drops all stored data.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make(map[filestore.ID][]byte)
	b.locked = false
	return nil
}

// Save stores a copy of the payload under id.
func (b *Backend) Save(ctx context.Context, id filestore.ID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Read before taking the lock: the reader may be slow.
	data, err := io.ReadAll(r)
	if err != nil {
		return filestore.IOError("write", id, err)
	}

	b.mu.Lock()
	b.data[id] = data
	b.mu.Unlock()
	return nil
}

// Load returns a reader over a copy of the object stored under id.
func (b *Backend) Load(ctx context.Context, id filestore.ID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	data, ok := b.data[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, filestore.ErrNotFound)
	}

	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// Delete removes the object stored under id.
func (b *Backend) Delete(ctx context.Context, id filestore.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[id]; !ok {
		return false, nil
	}
	delete(b.data, id)
	return true, nil
}

// Exists reports whether an object is stored under id.
func (b *Backend) Exists(ctx context.Context, id filestore.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.mu.RLock()
	_, ok := b.data[id]
	b.mu.RUnlock()
	return ok, nil
}

// Length returns the size of the object stored under id.
func (b *Backend) Length(ctx context.Context, id filestore.ID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	data, ok := b.data[id]
	b.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%s: %w", id, filestore.ErrNotFound)
	}
	return int64(len(data)), nil
}

// MimeType guesses the MIME type from the name of id.
func (b *Backend) MimeType(ctx context.Context, id filestore.ID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return filestore.MimeTypeByName(string(id)), nil
}

// TryLock sets the lock flag if it is clear.
func (b *Backend) TryLock(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locked {
		return false, nil
	}
	b.locked = true
	return true, nil
}

// Unlock clears the lock flag.
func (b *Backend) Unlock(_ context.Context) error {
	b.mu.Lock()
	b.locked = false
	b.mu.Unlock()
	return nil
}

// IDs returns every stored identifier, including the state record, sorted.
// Intended for tests.
func (b *Backend) IDs() []filestore.ID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]filestore.ID, 0, len(b.data))
	for id := range b.data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
