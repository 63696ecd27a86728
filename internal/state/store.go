// Package state persists the JSON documents the role processes share on disk.
// Every document is rewritten in full: readers never observe a partial write
// because replacement happens via an atomic rename.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Document file names under the store directory.
const (
	ManifestFile        = "manifest.json"
	PlaylistFile        = "playlist.m3u"
	KeysFile            = "ipns_keys.json"
	SequenceFile        = "sequence_state.json"
	StreamInfoFile      = "stream_info.json"
	CurrentPositionFile = "current_position.json"
	SegmentsFile        = "ipfs_segments.json"
)

// Store reads and atomically rewrites JSON documents in one directory.
type Store struct {
	dir string
}

// New creates a store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a document.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// ReadJSON decodes a document into v. The second return is false when the
// document does not exist yet, which is not an error.
func (s *Store) ReadJSON(name string, v any) (bool, error) {
	raw, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("parsing %s: %w", name, err)
	}
	return true, nil
}

// WriteJSON atomically replaces a document with the indented encoding of v.
func (s *Store) WriteJSON(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return s.WriteFile(name, append(raw, '\n'))
}

// WriteFile atomically replaces a document with raw bytes.
func (s *Store) WriteFile(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir %s: %w", s.dir, err)
	}
	if err := renameio.WriteFile(s.Path(name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
