package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const tempSnapshotPattern = "bitbucket_pr_cache_*.json"

// FileSnapshot persists the cache as one JSON file. Without a configured path
// a temporary file is created on the first Save and forgotten on Remove.
type FileSnapshot struct {
	mu         sync.Mutex
	path       string
	configured bool
	tempDir    string
}

// NewFileSnapshot creates a file snapshot at path, or a lazily created temp file when path is empty.
func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{
		path:       path,
		configured: path != "",
	}
}

// Path reports the current snapshot path, empty until a temp file has been created.
func (s *FileSnapshot) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Describe implements SnapshotStore.
func (s *FileSnapshot) Describe() string {
	path := s.Path()
	if path == "" {
		return "file:<unallocated>"
	}
	return "file:" + path
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (s *FileSnapshot) Load(_ context.Context) (Snapshot, error) {
	path := s.Path()
	if path == "" {
		return Snapshot{}, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return Snapshot{}, nil
	}

	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// Save atomically replaces the snapshot file with snapshot.
func (s *FileSnapshot) Save(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		file, err := os.CreateTemp(s.tempDir, tempSnapshotPattern)
		if err != nil {
			return fmt.Errorf("create snapshot file: %w", err)
		}
		s.path = file.Name()
		_ = file.Close()
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	return nil
}

// Remove deletes the snapshot file. A missing file is not an error.
func (s *FileSnapshot) Remove(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if !s.configured {
		s.path = ""
	}
	return nil
}
