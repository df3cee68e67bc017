// Package filestore implements a sharded binary object store.
//
// A storage maps opaque identifiers to byte blobs. Identifiers are drawn from
// a fixed, deterministic address space of depth directory levels with
// entries slots per level (see Layout). Free slots are tracked by a state
// record persisted inside the storage itself, and every mutation of that
// record is bracketed by a cross-process lock provided by the Backend.
//
// The package is split into:
//   - Backend: raw primitives against a concrete medium (filesystem, S3, ...)
//   - Layout: the address space and its odometer enumeration
//   - Engine: allocation, recycling, listing and repair on top of a Backend
//
// Per-tenant quota enforcement lives in the quota sub-package, which wraps an
// Engine.
package filestore

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
)

// ID is an opaque hierarchical identifier of one stored object,
// e.g. "00/1a/ff" for depth 3 and 256 entries per level.
type ID string

func (id ID) String() string {
	return string(id)
}

const (
	// StateID is the reserved identifier of the allocation state record.
	StateID ID = "state"

	// LockMarker is the reserved name of the lock marker, colocated at the
	// storage root.
	LockMarker = ".lock"

	// DefaultMimeType is returned when the name carries no known extension.
	DefaultMimeType = "application/octet-stream"
)

// ============================================================================
// Backend Interface
// ============================================================================

// Backend provides the raw primitives of a storage medium.
//
// Backends know nothing about allocation: they store whatever identifier they
// are handed. The Engine decides which identifiers exist.
//
// Locking:
// TryLock must atomically create the lock marker and report whether it did.
// It must never block. The bounded-wait protocol built on top of it lives in
// AcquireLock. The marker has no lease: a holder that crashes leaves it
// behind, and the storage stays locked until an operator removes it.
//
// Thread Safety:
// Implementations must be safe for concurrent use by multiple goroutines.
type Backend interface {
	// Save writes the payload under id, creating any parent path. An
	// existing object is overwritten.
	Save(ctx context.Context, id ID, r io.Reader) error

	// Load opens the object stored under id. Returns ErrNotFound if absent.
	Load(ctx context.Context, id ID) (io.ReadCloser, error)

	// Delete removes the object stored under id and reports whether
	// anything was removed. Deleting an absent object is not an error.
	Delete(ctx context.Context, id ID) (bool, error)

	// Exists reports whether an object is stored under id.
	Exists(ctx context.Context, id ID) (bool, error)

	// Length returns the size in bytes of the object. Returns ErrNotFound if absent.
	Length(ctx context.Context, id ID) (int64, error)

	// MimeType returns the MIME type guessed from the name of id.
	MimeType(ctx context.Context, id ID) (string, error)

	// TryLock attempts to create the lock marker without waiting.
	TryLock(ctx context.Context) (bool, error)

	// Unlock removes the lock marker. If the marker cannot be removed and
	// is still present, ErrUnlockFailure is returned.
	Unlock(ctx context.Context) error

	// Name identifies the backend instance in logs and errors.
	Name() string

	// Close releases resources held by the backend.
	Close() error
}

// ============================================================================
// Storage Interface
// ============================================================================

// Storage is the caller-facing API shared by Engine and the quota decorator.
type Storage interface {
	// Get opens the object stored under id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id ID) (io.ReadCloser, error)

	// Size returns the object size in bytes.
	Size(ctx context.Context, id ID) (int64, error)

	// MimeType returns the MIME type of the object.
	MimeType(ctx context.Context, id ID) (string, error)

	// List returns every occupied identifier in enumeration order.
	List(ctx context.Context) ([]ID, error)

	// SaveNew allocates a fresh identifier and stores the payload under it.
	SaveNew(ctx context.Context, r io.Reader) (ID, error)

	// Delete removes the object and recycles its identifier. Returns false
	// if nothing was stored under id.
	Delete(ctx context.Context, id ID) (bool, error)
}

// IsNotFound reports whether err means "no object under this identifier".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// MimeTypeByName guesses a MIME type from the extension of name.
// Content is never inspected.
func MimeTypeByName(name string) string {
	if ext := path.Ext(name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return DefaultMimeType
}
