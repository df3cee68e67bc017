// Package badger implements a storage backend on BadgerDB.
//
// Key schema:
//
//	blob/<id>   object payload (including blob/state, the state record)
//	lock        lock marker
//
// Payloads are kept as single values, so this backend suits small to
// medium objects. Large blobs belong on the filesystem or S3 backends.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/shardstore/pkg/filestore"
)

const (
	blobPrefix = "blob/"
	lockKey    = "lock"
)

var errLockHeld = errors.New("lock marker present")

// Backend implements filestore.Backend using BadgerDB for persistence.
//
// Thread Safety:
// BadgerDB transactions are serializable; concurrent TryLock calls that race
// on the marker key are resolved by ErrConflict on commit. Other processes
// cannot open the same directory at all, as Badger holds a directory lock.
type Backend struct {
	db   *badger.DB
	name string
}

// Config contains configuration for the badger backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Intended for tests.
	InMemory bool

	// BlockCacheSizeMB sizes the block cache (default: 64MB).
	BlockCacheSizeMB int64

	// IndexCacheSizeMB sizes the index cache (default: 32MB).
	IndexCacheSizeMB int64
}

// New opens (or creates) a BadgerDB-backed storage.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: badger backend requires a path", filestore.ErrInvalidParameter)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}

	opts = opts.
		WithLoggingLevel(badger.WARNING).
		WithBlockCacheSize(blockCacheMB << 20).
		WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}

	name := "badger://" + cfg.Path
	if cfg.InMemory {
		name = "badger://memory"
	}

	return &Backend{db: db, name: name}, nil
}

// Name returns "badger://<path>".
func (b *Backend) Name() string { return b.name }

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func blobKey(id filestore.ID) []byte {
	return []byte(blobPrefix + string(id))
}

// Save stores the payload under id.
func (b *Backend) Save(ctx context.Context, id filestore.ID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return filestore.IOError("read payload", id, err)
	}

	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(id), data)
	}); err != nil {
		return filestore.IOError("put", id, err)
	}
	return nil
}

// Load returns a reader over the value stored under id.
func (b *Backend) Load(ctx context.Context, id filestore.ID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s: %w", id, filestore.ErrNotFound)
		}
		return nil, filestore.IOError("get", id, err)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the value stored under id.
func (b *Backend) Delete(ctx context.Context, id filestore.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	deleted := false
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(blobKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		deleted = true
		return txn.Delete(blobKey(id))
	})
	if err != nil {
		return false, filestore.IOError("delete", id, err)
	}
	return deleted, nil
}

// Exists reports whether a value is stored under id.
func (b *Backend) Exists(ctx context.Context, id filestore.ID) (bool, error) {
	_, err := b.Length(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, filestore.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Length returns the size of the value stored under id.
func (b *Backend) Length(ctx context.Context, id filestore.ID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var size int64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(id))
		if err != nil {
			return err
		}
		size = item.ValueSize()
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, fmt.Errorf("%s: %w", id, filestore.ErrNotFound)
		}
		return 0, filestore.IOError("get", id, err)
	}
	return size, nil
}

// MimeType guesses the MIME type from the name of id.
func (b *Backend) MimeType(ctx context.Context, id filestore.ID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return filestore.MimeTypeByName(string(id)), nil
}

// TryLock sets the marker key if it is absent.
func (b *Backend) TryLock(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(lockKey))
		switch {
		case err == nil:
			return errLockHeld
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set([]byte(lockKey), []byte{1})
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errLockHeld), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, filestore.IOError("set lock marker", filestore.LockMarker, err)
	}
}

// Unlock deletes the marker key.
func (b *Backend) Unlock(_ context.Context) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(lockKey))
	})
	if err == nil {
		return nil
	}

	held := true
	_ = b.db.View(func(txn *badger.Txn) error {
		_, getErr := txn.Get([]byte(lockKey))
		held = !errors.Is(getErr, badger.ErrKeyNotFound)
		return nil
	})
	if !held {
		return nil
	}

	return fmt.Errorf("%w: %s: %w", filestore.ErrUnlockFailure, b.name, err)
}
