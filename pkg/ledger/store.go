package ledger

import (
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/menta2k/auto-annotate/internal/utils"
)

// Store holds the serialized ledger. Read returns an error matching
// fs.ErrNotExist when nothing has been written yet.
type Store interface {
	Read() ([]byte, error)
	Write(data []byte) error
}

// FileStore keeps the ledger in a single file, replaced atomically on write
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the ledger file location
func (f *FileStore) Path() string {
	return f.path
}

// Read loads the ledger file
func (f *FileStore) Read() ([]byte, error) {
	return os.ReadFile(f.path)
}

// Write replaces the ledger file via temp file + rename
func (f *FileStore) Write(data []byte) error {
	if err := utils.WriteFileAtomic(f.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save ledger %s: %w", f.path, err)
	}
	return nil
}

// MemoryStore keeps the ledger in memory
type MemoryStore struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

// NewMemoryStore returns an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Read returns a copy of the last written bytes
func (m *MemoryStore) Read() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, fs.ErrNotExist
	}
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out, nil
}

// Write stores a copy of data
func (m *MemoryStore) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make([]byte, len(data))
	copy(m.data, data)
	m.writes++
	return nil
}

// Writes returns how many times Write was called
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
