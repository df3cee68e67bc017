// Package fs implements a filesystem-based storage backend.
//
// Each identifier maps to a file under the root directory, with one
// sub-directory per identifier segment ("00/1a/ff" is stored as
// <root>/00/1a/ff). The state record lives at <root>/state and the lock
// marker at <root>/.lock.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/shardstore/pkg/filestore"
)

// Backend implements filestore.Backend on a local directory.
//
// Payloads are written to a temporary sibling file first and renamed into
// place, so readers never observe a half-written object.
//
// Thread Safety:
// Safe for concurrent use. The lock marker is created with O_EXCL, which is
// atomic on local filesystems and therefore also excludes other processes.
type Backend struct {
	root  string
	token string
}

// New creates a filesystem backend rooted at root.
//
// The root directory is created with permissions 0755 if it doesn't exist.
//
// Parameters:
//   - ctx: Context for cancellation
//   - root: Directory holding the storage
//
// Returns:
//   - *Backend: Initialized backend
//   - error: Returns error if directory creation fails or context is cancelled
func New(ctx context.Context, root string) (*Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if root == "" {
		return nil, fmt.Errorf("%w: filesystem backend requires a root path", filestore.ErrInvalidParameter)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	return &Backend{
		root:  root,
		token: uuid.NewString(),
	}, nil
}

// Root returns the root directory.
func (b *Backend) Root() string { return b.root }

// Name returns the root directory.
func (b *Backend) Name() string { return b.root }

// Close is a no-op: the backend keeps no open descriptors between calls.
func (b *Backend) Close() error { return nil }

func (b *Backend) path(id filestore.ID) string {
	return filepath.Join(b.root, filepath.FromSlash(string(id)))
}

func (b *Backend) lockPath() string {
	return filepath.Join(b.root, filestore.LockMarker)
}

// Save writes the payload under id, creating parent directories as needed.
func (b *Backend) Save(ctx context.Context, id filestore.ID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := b.path(id)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return filestore.IOError("mkdir", id, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return filestore.IOError("create", id, err)
	}
	tmpName := tmp.Name()

	_, copyErr := io.Copy(tmp, r)
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	closeErr := tmp.Close()

	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if copyErr != nil {
			return filestore.IOError("write", id, copyErr)
		}
		return filestore.IOError("close", id, closeErr)
	}

	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return filestore.IOError("rename", id, err)
	}

	return nil
}

// Load opens the file stored under id.
func (b *Backend) Load(ctx context.Context, id filestore.ID) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(b.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, filestore.ErrNotFound)
		}
		return nil, filestore.IOError("open", id, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, filestore.IOError("stat", id, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", id, filestore.ErrNotFound)
	}

	return f, nil
}

// Delete removes the file stored under id.
func (b *Backend) Delete(ctx context.Context, id filestore.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err := os.Remove(b.path(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, filestore.IOError("remove", id, err)
	}
}

// Exists reports whether a regular file is stored under id.
func (b *Backend) Exists(ctx context.Context, id filestore.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	info, err := os.Stat(b.path(id))
	switch {
	case err == nil:
		return !info.IsDir(), nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, filestore.IOError("stat", id, err)
	}
}

// Length returns the size of the file stored under id.
func (b *Backend) Length(ctx context.Context, id filestore.ID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	info, err := os.Stat(b.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%s: %w", id, filestore.ErrNotFound)
		}
		return 0, filestore.IOError("stat", id, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s: %w", id, filestore.ErrNotFound)
	}

	return info.Size(), nil
}

// MimeType guesses the MIME type from the file name of id.
func (b *Backend) MimeType(ctx context.Context, id filestore.ID) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return filestore.MimeTypeByName(b.path(id)), nil
}

// TryLock creates <root>/.lock with O_EXCL.
//
// The marker records the owner (host, pid, token, time) so that an operator
// facing a stale lock can tell who left it.
func (b *Backend) TryLock(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	f, err := os.OpenFile(b.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, filestore.IOError("create lock marker", filestore.LockMarker, err)
	}
	defer func() { _ = f.Close() }()

	host, _ := os.Hostname()
	owner := strings.Join([]string{
		"host=" + host,
		fmt.Sprintf("pid=%d", os.Getpid()),
		"token=" + b.token,
		"time=" + time.Now().UTC().Format(time.RFC3339),
	}, "\n")

	// The marker's existence is the lock; its content is informational.
	_, _ = f.WriteString(owner + "\n")

	return true, nil
}

// Unlock removes <root>/.lock.
//
// A marker that is already gone is not an error. A marker that cannot be
// removed yields ErrUnlockFailure.
func (b *Backend) Unlock(_ context.Context) error {
	err := os.Remove(b.lockPath())
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if _, statErr := os.Stat(b.lockPath()); errors.Is(statErr, os.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("%w: %s: %w", filestore.ErrUnlockFailure, b.lockPath(), err)
}
