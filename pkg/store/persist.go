package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// File persists a store document at a well-known path. Every save goes
// through a temporary file followed by an atomic rename, so a reader always
// observes either the previous complete document or the new one.
type File struct {
	Path string
	// KeepBackup retains the previous version as <path>.bak for crash
	// diagnosis.
	KeepBackup bool
}

// NewFile creates a persistence handle for the given store path.
func NewFile(path string) *File {
	return &File{Path: path, KeepBackup: true}
}

// Load reads the document fresh from disk. Callers re-load before every node
// so out-of-band edits are picked up.
func (f *File) Load() (Document, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal store %s: %w", f.Path, err)
	}
	return doc, nil
}

// Save writes the full document back. The document is marshalled first, then
// written to a temporary file in the same directory and renamed over the
// target — never an in-place truncation.
func (f *File) Save(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp store: %w", err)
	}

	if f.KeepBackup {
		if prev, err := os.ReadFile(f.Path); err == nil {
			// Best effort: the backup is diagnostic, not part of the
			// atomicity contract.
			os.WriteFile(f.Path+".bak", prev, 0644)
		}
	}

	if err := os.Rename(tmpPath, f.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}
