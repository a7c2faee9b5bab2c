// Package ledger records which source images have been processed and which
// output index comes next, so an interrupted run can resume where it stopped.
//
// State is an explicit value owned by the caller. Load and Persist move it
// to and from a Store; nothing in this package keeps global state.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
)

// State is the in-memory form of the ledger
type State struct {
	NextIndex int
	files     []string
	seen      map[string]struct{}
}

// document is the on-disk shape of the ledger
type document struct {
	ImageCounter int      `json:"image_counter"`
	Files        []string `json:"files"`
}

// New returns the zero state
func New() *State {
	return &State{
		files: []string{},
		seen:  make(map[string]struct{}),
	}
}

// IsProcessed reports whether path was already attempted
func (s *State) IsProcessed(path string) bool {
	_, ok := s.seen[path]
	return ok
}

// Record marks path as processed and sets the next output index
func (s *State) Record(path string, nextIndex int) {
	if _, ok := s.seen[path]; !ok {
		s.seen[path] = struct{}{}
		s.files = append(s.files, path)
	}
	s.NextIndex = nextIndex
}

// Files returns the processed paths in the order they were recorded
func (s *State) Files() []string {
	out := make([]string, len(s.files))
	copy(out, s.files)
	return out
}

// Len returns the number of processed paths
func (s *State) Len() int {
	return len(s.files)
}

// Load reads the ledger from store. A missing ledger yields the zero state;
// a ledger that cannot be parsed is an error.
func Load(store Store) (*State, error) {
	data, err := store.Read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse ledger: %w", err)
	}
	if doc.ImageCounter < 0 {
		return nil, fmt.Errorf("failed to parse ledger: negative image_counter %d", doc.ImageCounter)
	}

	s := New()
	for _, f := range doc.Files {
		s.Record(f, doc.ImageCounter)
	}
	s.NextIndex = doc.ImageCounter
	return s, nil
}

// Persist writes the full state to store
func Persist(store Store, s *State) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	if err := store.Write(data); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}

// Marshal encodes the state as indented JSON
func Marshal(s *State) ([]byte, error) {
	doc := document{ImageCounter: s.NextIndex, Files: s.files}
	if doc.Files == nil {
		doc.Files = []string{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ledger: %w", err)
	}
	return data, nil
}
