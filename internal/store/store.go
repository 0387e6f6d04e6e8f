package store

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a named document does not exist in the store.
var ErrNotFound = errors.New("store: not found")

// Store is the narrow persistence port for the autonomic core. Snapshots
// (breaker table, fuse state, guardrail counters, action queue) go through
// Save/Load; audit trails (decision log, outcome log) go through Append/Scan.
//
// The algorithmic core must not assume any particular storage technology;
// FileStore is the default implementation and MemStore backs tests.
type Store interface {
	// Save persists v as the named document, replacing any previous version.
	Save(name string, v any) error
	// Load decodes the named document into v. Returns an error wrapping
	// ErrNotFound when the document does not exist.
	Load(name string, v any) error
	// Append adds v as one record to the named append-only log.
	Append(name string, v any) error
	// Scan streams every record of the named log, oldest first. A missing
	// log is an empty log, not an error.
	Scan(name string, fn func(record []byte) error) error
}

// MemStore is an in-memory Store used by tests and dry runs.
type MemStore struct {
	mu   sync.Mutex
	docs map[string][]byte
	logs map[string][][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		docs: make(map[string][]byte),
		logs: make(map[string][][]byte),
	}
}

// Save implements Store.
func (m *MemStore) Save(name string, v any) error {
	data, err := marshalDocument(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = data
	return nil
}

// Load implements Store.
func (m *MemStore) Load(name string, v any) error {
	m.mu.Lock()
	data, ok := m.docs[name]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return unmarshalDocument(data, v)
}

// Append implements Store.
func (m *MemStore) Append(name string, v any) error {
	data, err := marshalRecord(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[name] = append(m.logs[name], data)
	return nil
}

// Scan implements Store.
func (m *MemStore) Scan(name string, fn func(record []byte) error) error {
	m.mu.Lock()
	records := make([][]byte, len(m.logs[name]))
	copy(records, m.logs[name])
	m.mu.Unlock()

	for _, record := range records {
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}
