package store

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return fs
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fs := newTestFileStore(t)

	in := payload{Name: "fuse", Count: 3}
	if err := fs.Save("state", in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var out payload
	if err := fs.Load("state", &out); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out != in {
		t.Fatalf("loaded %+v, want %+v", out, in)
	}

	// Save replaces, not merges.
	if err := fs.Save("state", payload{Name: "fuse", Count: 4}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := fs.Load("state", &out); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Count != 4 {
		t.Fatalf("count = %d after overwrite, want 4", out.Count)
	}
}

func TestLoadMissingDocument(t *testing.T) {
	fs := newTestFileStore(t)
	var out payload
	err := fs.Load("absent", &out)
	if !stderrors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendScanOrder(t *testing.T) {
	fs := newTestFileStore(t)

	for i := 0; i < 3; i++ {
		if err := fs.Append("audit", payload{Name: "entry", Count: i}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	var counts []int
	err := fs.Scan("audit", func(record []byte) error {
		var p payload
		if err := unmarshalDocument(record, &p); err != nil {
			return err
		}
		counts = append(counts, p.Count)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(counts) != 3 || counts[0] != 0 || counts[2] != 2 {
		t.Fatalf("scan order = %v, want [0 1 2]", counts)
	}
}

func TestScanMissingLogIsEmpty(t *testing.T) {
	fs := newTestFileStore(t)
	called := false
	if err := fs.Scan("absent", func([]byte) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if called {
		t.Fatal("callback invoked for a missing log")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Save("doc", payload{Name: "x"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".json" {
			t.Fatalf("unexpected file %q left behind", entry.Name())
		}
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs.Save("doc", payload{Name: "persisted", Count: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := fs.Append("log", payload{Name: "entry"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var out payload
	if err := reopened.Load("doc", &out); err != nil || out.Name != "persisted" {
		t.Fatalf("Load after reopen = %+v, %v", out, err)
	}
	records := 0
	if err := reopened.Scan("log", func([]byte) error {
		records++
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if records != 1 {
		t.Fatalf("scanned %d records after reopen, want 1", records)
	}
}
