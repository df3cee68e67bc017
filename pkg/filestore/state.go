package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// stateVersion is bumped whenever the encoded layout of State changes.
const stateVersion uint32 = 1

// State is the allocation state record of a storage.
//
// It is persisted under StateID inside the storage it describes, and is only
// read or written while the storage lock is held.
type State struct {
	// Next is the candidate identifier for the next fresh allocation.
	// Empty when Exhausted is set.
	Next ID

	// Exhausted is set once the odometer has walked past the last slot.
	// New allocations then come from Unused or from a full gap scan.
	Exhausted bool

	// Unused lists recycled identifiers eligible for reuse, oldest first.
	// Entries may be stale and are re-verified before reuse.
	Unused []ID
}

// wireState is the XDR representation of State.
type wireState struct {
	Version   uint32
	Next      string
	Exhausted bool
	Unused    []string
}

// NewState returns the state of an empty storage.
func NewState(layout Layout) *State {
	return &State{Next: layout.First()}
}

// AddUnused appends id to the recycle list unless it is already there.
func (s *State) AddUnused(id ID) {
	for _, u := range s.Unused {
		if u == id {
			return
		}
	}
	s.Unused = append(s.Unused, id)
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := *s
	c.Unused = append([]ID(nil), s.Unused...)
	return &c
}

// MarshalBinary encodes the state in XDR.
func (s *State) MarshalBinary() ([]byte, error) {
	w := wireState{
		Version:   stateVersion,
		Next:      string(s.Next),
		Exhausted: s.Exhausted,
		Unused:    make([]string, len(s.Unused)),
	}
	for i, u := range s.Unused {
		w.Unused[i] = string(u)
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &w); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes an XDR-encoded state.
func (s *State) UnmarshalBinary(data []byte) error {
	var w wireState
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &w); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if w.Version != stateVersion {
		return fmt.Errorf("decode state: unsupported version %d", w.Version)
	}

	s.Next = ID(w.Next)
	s.Exhausted = w.Exhausted
	s.Unused = make([]ID, len(w.Unused))
	for i, u := range w.Unused {
		s.Unused[i] = ID(u)
	}
	return nil
}

// loadState reads the state record from the backend. Returns ErrNotFound if
// the record is missing.
func loadState(ctx context.Context, backend Backend) (*State, error) {
	rc, err := backend.Load(ctx, StateID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, IOError("read state", StateID, err)
	}

	state := &State{}
	if err := state.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptState, err)
	}
	return state, nil
}

// saveState writes the state record to the backend.
func saveState(ctx context.Context, backend Backend, state *State) error {
	data, err := state.MarshalBinary()
	if err != nil {
		return err
	}
	if err := backend.Save(ctx, StateID, bytes.NewReader(data)); err != nil {
		return IOError("write state", StateID, err)
	}
	return nil
}
