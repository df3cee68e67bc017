package filestore

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const (
	// DefaultDepth is the default number of shard levels.
	DefaultDepth = 3

	// DefaultEntries is the default fan-out per shard level.
	DefaultEntries = 256
)

// Layout describes the sharded address space of a storage.
//
// An identifier has depth segments. Each segment is a number in
// [0, entries), rendered as zero-padded lowercase hex of a fixed width
// (ceil(log16(entries)), at least one digit). The space therefore holds
// entries^depth slots.
//
// Slots are enumerated like an odometer: the rightmost segment advances
// first and carries into its left neighbour. The same order is used for
// allocation scans and for List.
type Layout struct {
	depth   int
	entries int
	width   int
	size    uint64
}

// NewLayout validates depth and entries and returns the matching Layout.
//
// Returns ErrInvalidDepth if depth < 1, ErrInvalidEntries if entries < 1 or
// if entries^depth overflows 64 bits.
func NewLayout(depth, entries int) (Layout, error) {
	if depth < 1 {
		return Layout{}, fmt.Errorf("%w: %d (must be >= 1)", ErrInvalidDepth, depth)
	}
	if entries < 1 {
		return Layout{}, fmt.Errorf("%w: %d (must be >= 1)", ErrInvalidEntries, entries)
	}

	size := uint64(1)
	for i := 0; i < depth; i++ {
		hi, lo := bits.Mul64(size, uint64(entries))
		if hi != 0 {
			return Layout{}, fmt.Errorf("%w: %d^%d does not fit in 64 bits", ErrInvalidEntries, entries, depth)
		}
		size = lo
	}

	return Layout{
		depth:   depth,
		entries: entries,
		width:   hexWidth(entries),
		size:    size,
	}, nil
}

// hexWidth returns the number of hex digits needed to print entries-1,
// with a minimum of one digit.
func hexWidth(entries int) int {
	if entries <= 1 {
		return 1
	}
	return (bits.Len64(uint64(entries-1)) + 3) / 4
}

// Depth returns the number of segments per identifier.
func (l Layout) Depth() int { return l.depth }

// Entries returns the fan-out per level.
func (l Layout) Entries() int { return l.entries }

// Width returns the number of hex digits per segment.
func (l Layout) Width() int { return l.width }

// Size returns the total number of slots, entries^depth.
func (l Layout) Size() uint64 { return l.size }

// First returns the first identifier in enumeration order.
func (l Layout) First() ID {
	return l.Format(make([]int, l.depth))
}

// Last returns the last identifier in enumeration order.
func (l Layout) Last() ID {
	segments := make([]int, l.depth)
	for i := range segments {
		segments[i] = l.entries - 1
	}
	return l.Format(segments)
}

// Format renders segment values as an identifier. It does not validate
// the values; callers pass segments obtained from Parse or First.
func (l Layout) Format(segments []int) ID {
	parts := make([]string, len(segments))
	for i, v := range segments {
		parts[i] = fmt.Sprintf("%0*x", l.width, v)
	}
	return ID(strings.Join(parts, "/"))
}

// Parse splits an identifier into its segment values.
//
// Returns ErrInvalidParameter if id does not have exactly depth segments of
// the canonical width or if any segment is out of range.
func (l Layout) Parse(id ID) ([]int, error) {
	parts := strings.Split(string(id), "/")
	if len(parts) != l.depth {
		return nil, fmt.Errorf("%w: identifier %q has %d segments, want %d",
			ErrInvalidParameter, id, len(parts), l.depth)
	}

	segments := make([]int, l.depth)
	for i, part := range parts {
		if len(part) != l.width {
			return nil, fmt.Errorf("%w: identifier %q segment %d has width %d, want %d",
				ErrInvalidParameter, id, i, len(part), l.width)
		}
		if strings.ToLower(part) != part {
			return nil, fmt.Errorf("%w: identifier %q is not lowercase hex", ErrInvalidParameter, id)
		}
		v, err := strconv.ParseUint(part, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: identifier %q segment %d: %v", ErrInvalidParameter, id, i, err)
		}
		if v >= uint64(l.entries) {
			return nil, fmt.Errorf("%w: identifier %q segment %d out of range", ErrInvalidParameter, id, i)
		}
		segments[i] = int(v)
	}

	return segments, nil
}

// Contains reports whether id is a well-formed identifier of this layout.
func (l Layout) Contains(id ID) bool {
	_, err := l.Parse(id)
	return err == nil
}

// Increment returns the identifier following id in enumeration order.
//
// The rightmost segment is incremented and carries leftward. A carry out of
// the leftmost segment means id was the last slot: ok is false.
func (l Layout) Increment(id ID) (next ID, ok bool, err error) {
	segments, err := l.Parse(id)
	if err != nil {
		return "", false, err
	}

	for i := l.depth - 1; i >= 0; i-- {
		segments[i]++
		if segments[i] < l.entries {
			return l.Format(segments), true, nil
		}
		segments[i] = 0
	}

	return "", false, nil
}

// Index returns the position of id in enumeration order, starting at 0.
func (l Layout) Index(id ID) (uint64, error) {
	segments, err := l.Parse(id)
	if err != nil {
		return 0, err
	}
	var idx uint64
	for _, v := range segments {
		idx = idx*uint64(l.entries) + uint64(v)
	}
	return idx, nil
}
