package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	atomicfile "github.com/natefinch/atomic"
)

// SyncStateFileName is kept next to the token file
const SyncStateFileName = "sync.json"

// SyncState records the remote version the local token file was last pushed
// as or pulled from. Push uses it as the expected version.
type SyncState struct {
	Version  int64     `json:"version"`
	SyncedAt time.Time `json:"synced_at"`
}

// LoadSyncState reads the sync state at path. A missing file means the
// token file was never synced.
func LoadSyncState(path string) (*SyncState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &SyncState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	var st SyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse sync state: %w", err)
	}
	return &st, nil
}

// Save writes the sync state to path
func (st *SyncState) Save(path string) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := atomicfile.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write sync state: %w", err)
	}
	return nil
}
