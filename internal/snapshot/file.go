// Package snapshot persists the upload queue between process sessions. Every
// store keys strictly by organization id so queues from different
// organizations can never intermix.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/matchlens/clipsync/internal/uploader"
)

// FileStore keeps one JSON snapshot file per organization under a data
// directory. Writes go through a temp file and rename so a crash mid-write
// never corrupts the previous snapshot.
type FileStore struct {
	dir string
}

// NewFileStore creates the store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(orgID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("upload-queue-%s.json", orgID))
}

// Save writes the whole snapshot for one organization.
func (s *FileStore) Save(_ context.Context, orgID string, records []uploader.PersistedJobRecord) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	target := s.path(orgID)
	tmp, err := os.CreateTemp(s.dir, "queue-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads one organization's snapshot. A missing file is an empty queue.
func (s *FileStore) Load(_ context.Context, orgID string) ([]uploader.PersistedJobRecord, error) {
	data, err := os.ReadFile(s.path(orgID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var records []uploader.PersistedJobRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return records, nil
}
