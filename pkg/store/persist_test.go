package store

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// TestSaveLoadRoundTrip checks a document survives a save/load cycle.
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	f := NewFile(path)

	doc := Document{
		"inputs": map[string]any{"manifest": "apiVersion: v1"},
		"vars":   map[string]any{"iter": float64(2)},
	}
	if err := f.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := f.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v, _ := Resolve(loaded, "vars.iter"); v != float64(2) {
		t.Errorf("expected vars.iter = 2, got %v", v)
	}
	if v, _ := Resolve(loaded, "inputs.manifest"); v != "apiVersion: v1" {
		t.Errorf("expected manifest preserved, got %v", v)
	}
}

// TestSaveKeepsBackup verifies the previous version lands in <path>.bak.
func TestSaveKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	f := NewFile(path)

	if err := f.Save(Document{"rev": float64(1)}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := f.Save(Document{"rev": float64(2)}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	var prev Document
	if err := json.Unmarshal(bak, &prev); err != nil {
		t.Fatalf("unmarshal backup: %v", err)
	}
	if prev["rev"] != float64(1) {
		t.Errorf("expected backup to hold rev 1, got %v", prev["rev"])
	}
}

// TestSaveFailedMarshalLeavesOriginal checks that an unserializable document
// never clobbers the file on disk. Marshalling happens before any write.
func TestSaveFailedMarshalLeavesOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	f := NewFile(path)

	if err := f.Save(Document{"ok": true}); err != nil {
		t.Fatalf("initial save: %v", err)
	}
	before, _ := os.ReadFile(path)

	// NaN is not representable in JSON, so MarshalIndent fails.
	if err := f.Save(Document{"bad": math.NaN()}); err == nil {
		t.Fatal("expected marshal error for NaN")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after failed save: %v", err)
	}
	if string(before) != string(after) {
		t.Error("expected file unchanged after failed save")
	}
}

// TestSaveLeavesNoTempFiles checks temp files are cleaned up or renamed away.
func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	f := NewFile(path)

	if err := f.Save(Document{"ok": true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "store.json" && e.Name() != "store.json.bak" {
			t.Errorf("unexpected leftover file %q", e.Name())
		}
	}
}

// TestLoadMissingFile checks a missing store surfaces a wrapped error.
func TestLoadMissingFile(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "absent.json"))
	if _, err := f.Load(); err == nil {
		t.Fatal("expected error for missing store file")
	}
}
