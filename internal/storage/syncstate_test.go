package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncStateMissing(t *testing.T) {
	st, err := LoadSyncState(filepath.Join(t.TempDir(), SyncStateFileName))
	require.NoError(t, err)
	require.Zero(t, st.Version)
}

func TestSyncStateSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", SyncStateFileName)
	synced := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, (&SyncState{Version: 4, SyncedAt: synced}).Save(path))

	st, err := LoadSyncState(path)
	require.NoError(t, err)
	require.Equal(t, int64(4), st.Version)
	require.True(t, synced.Equal(st.SyncedAt))
}

func TestSyncStateCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), SyncStateFileName)
	require.NoError(t, os.WriteFile(path, []byte("{"), FileMode))

	_, err := LoadSyncState(path)
	require.Error(t, err)
}
