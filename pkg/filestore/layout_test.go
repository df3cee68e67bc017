package filestore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLayout(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		l, err := NewLayout(DefaultDepth, DefaultEntries)
		require.NoError(t, err)
		assert.Equal(t, 2, l.Width())
		assert.Equal(t, uint64(256*256*256), l.Size())
		assert.Equal(t, ID("00/00/00"), l.First())
		assert.Equal(t, ID("ff/ff/ff"), l.Last())
	})

	t.Run("InvalidDepth", func(t *testing.T) {
		_, err := NewLayout(0, 16)
		assert.ErrorIs(t, err, ErrInvalidDepth)
	})

	t.Run("InvalidEntries", func(t *testing.T) {
		_, err := NewLayout(2, 0)
		assert.ErrorIs(t, err, ErrInvalidEntries)
	})

	t.Run("HugeEntries", func(t *testing.T) {
		l, err := NewLayout(1, 1<<62)
		require.NoError(t, err)
		assert.Equal(t, 16, l.Width())
		assert.Equal(t, uint64(1<<62), l.Size())
		assert.Equal(t, ID("3fffffffffffffff"), l.Last())
	})

	t.Run("Overflow", func(t *testing.T) {
		_, err := NewLayout(9, 256)
		assert.ErrorIs(t, err, ErrInvalidEntries)
	})
}

func TestLayoutWidth(t *testing.T) {
	tests := []struct {
		entries int
		width   int
	}{
		{1, 1},
		{2, 1},
		{16, 1},
		{17, 2},
		{256, 2},
		{257, 3},
		{4096, 3},
		{1 << 60, 15},
		{1<<60 + 1, 16},
		{1 << 62, 16},
		{math.MaxInt64, 16},
	}

	for _, tt := range tests {
		l, err := NewLayout(1, tt.entries)
		require.NoError(t, err)
		assert.Equal(t, tt.width, l.Width(), "entries=%d", tt.entries)
	}
}

func TestLayoutIncrement(t *testing.T) {
	l, err := NewLayout(2, 16)
	require.NoError(t, err)

	t.Run("FirstIsZero", func(t *testing.T) {
		assert.Equal(t, ID("0/0"), l.First())
	})

	t.Run("Carry", func(t *testing.T) {
		next, ok, err := l.Increment("0/f")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, ID("1/0"), next)
	})

	t.Run("LastWraps", func(t *testing.T) {
		next, ok, err := l.Increment("f/f")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, next)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, _, err := l.Increment("0/0/0")
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})

	t.Run("VisitsEverySlotOnce", func(t *testing.T) {
		seen := make(map[ID]bool)
		id := l.First()
		for {
			require.False(t, seen[id], "slot %s visited twice", id)
			seen[id] = true

			idx, err := l.Index(id)
			require.NoError(t, err)
			assert.Equal(t, uint64(len(seen)-1), idx)

			next, ok, err := l.Increment(id)
			require.NoError(t, err)
			if !ok {
				break
			}
			id = next
		}
		assert.Len(t, seen, int(l.Size()))
		assert.Equal(t, l.Last(), id)
	})
}

func TestLayoutParse(t *testing.T) {
	l, err := NewLayout(3, 256)
	require.NoError(t, err)

	valid := []ID{"00/00/00", "00/1a/ff", "ff/ff/ff"}
	for _, id := range valid {
		assert.True(t, l.Contains(id), "%s should be valid", id)
	}

	invalid := []ID{
		"",
		"state",
		"00/00",
		"00/00/00/00",
		"0/00/00",
		"000/00/00",
		"00/1A/ff",
		"00/zz/ff",
		"00/-1/ff",
		"../00/00",
	}
	for _, id := range invalid {
		_, err := l.Parse(id)
		assert.ErrorIs(t, err, ErrInvalidParameter, "%q should be rejected", id)
	}

	t.Run("OutOfRange", func(t *testing.T) {
		l, err := NewLayout(2, 10)
		require.NoError(t, err)
		assert.True(t, l.Contains("9/9"))
		assert.False(t, l.Contains("a/0"))
	})
}
