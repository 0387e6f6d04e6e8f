package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists documents as JSON files and logs as JSON-lines files
// under a single state directory. Document writes are atomic (temp file +
// rename) so a crash mid-write never corrupts the previous snapshot.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the state directory path.
func (f *FileStore) Dir() string {
	return f.dir
}

// Save implements Store with an atomic replace-on-write.
func (f *FileStore) Save(name string, v any) error {
	data, err := marshalDocument(v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.documentPath(name)
	tmp, err := os.CreateTemp(f.dir, ".aegis-tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: atomic rename: %w", err)
	}
	return nil
}

// Load implements Store.
func (f *FileStore) Load(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.documentPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("store: %q: %w", name, ErrNotFound)
		}
		return fmt.Errorf("store: read %q: %w", name, err)
	}
	return unmarshalDocument(data, v)
}

// Append implements Store.
func (f *FileStore) Append(name string, v any) error {
	data, err := marshalRecord(v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.logPath(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open log %q: %w", name, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("store: append to %q: %w", name, err)
	}
	return nil
}

// Scan implements Store.
func (f *FileStore) Scan(name string, fn func(record []byte) error) error {
	f.mu.Lock()
	file, err := os.Open(f.logPath(name))
	f.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: open log %q: %w", name, err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("store: scan log %q: %w", name, err)
	}
	return nil
}

func (f *FileStore) documentPath(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *FileStore) logPath(name string) string {
	return filepath.Join(f.dir, name+".jsonl")
}

func marshalDocument(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("store: marshal: %w", err)
	}
	return data, nil
}

func unmarshalDocument(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: unmarshal: %w", err)
	}
	return nil
}

func marshalRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal record: %w", err)
	}
	return data, nil
}
