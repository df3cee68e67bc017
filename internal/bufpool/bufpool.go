// Package bufpool provides reusable copy buffers for streaming object
// payloads.
//
// Buffers come in three size classes. Requests above the largest class are
// allocated directly and never pooled, so one huge transfer cannot pin
// memory after it completes.
package bufpool

import "sync"

const (
	// SmallSize suits small objects and state records.
	SmallSize = 4 << 10

	// MediumSize is the default streaming buffer.
	MediumSize = 64 << 10

	// LargeSize is used for objects of a megabyte or more.
	LargeSize = 1 << 20
)

var (
	small  = sync.Pool{New: func() any { b := make([]byte, SmallSize); return &b }}
	medium = sync.Pool{New: func() any { b := make([]byte, MediumSize); return &b }}
	large  = sync.Pool{New: func() any { b := make([]byte, LargeSize); return &b }}
)

// Get returns a buffer of length size backed by a pooled slice where one
// fits. Return it with Put.
func Get(size int) []byte {
	var p *[]byte
	switch {
	case size <= SmallSize:
		p = small.Get().(*[]byte)
	case size <= MediumSize:
		p = medium.Get().(*[]byte)
	case size <= LargeSize:
		p = large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	return (*p)[:size]
}

// Put returns buf to its pool. Buffers not obtained from Get (or resliced
// to a different capacity) are dropped.
func Put(buf []byte) {
	buf = buf[:cap(buf)]
	switch cap(buf) {
	case SmallSize:
		small.Put(&buf)
	case MediumSize:
		medium.Put(&buf)
	case LargeSize:
		large.Put(&buf)
	}
}

// ForCopy returns a streaming buffer sized for a payload of n bytes.
// An unknown size (n < 0) gets MediumSize.
func ForCopy(n int64) []byte {
	switch {
	case n < 0:
		return Get(MediumSize)
	case n <= SmallSize:
		return Get(SmallSize)
	case n <= MediumSize:
		return Get(MediumSize)
	default:
		return Get(LargeSize)
	}
}
