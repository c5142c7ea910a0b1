package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/quantgrid/gridcore/internal/core"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState(instanceID string) *core.GridState {
	return &core.GridState{
		InstanceID: instanceID,
		Config: core.GridConfig{
			Symbol:     "SOL/USDT",
			LowerPrice: decimal.RequireFromString("120"),
			UpperPrice: decimal.RequireFromString("150"),
		},
		Levels: []core.GridLevel{
			{Index: 0, Price: decimal.RequireFromString("120")},
		},
		Status:  core.StatusRunning,
		Version: 3,
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	want := testState("inst-1")
	require.NoError(t, store.SaveState(ctx, want))

	got, err := store.LoadState(ctx, "inst-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.InstanceID, got.InstanceID)
	assert.Equal(t, want.Version, got.Version)
	assert.True(t, got.Levels[0].Price.Equal(want.Levels[0].Price))
}

func TestFileStoreLoadMissingReturnsNilNoError(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	got, err := store.LoadState(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStoreWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, testState("inst-1")))
	// No stray temp file should remain after a successful save.
	_, err = os.Stat(filepath.Join(dir, "inst-1.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreFallsBackToBackupOnCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, testState("inst-1")))
	second := testState("inst-1")
	second.Version = 4
	require.NoError(t, store.SaveState(ctx, second))

	// Corrupt the primary snapshot directly.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inst-1.json"), []byte("{not json"), 0o644))

	got, err := store.LoadState(ctx, "inst-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.Version)
}

func TestFileStoreRefusesNewerSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	future := `{"version":999,"monotone_version":3,"state":{"InstanceID":"inst-1"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inst-1.json"), []byte(future), 0o644))

	_, err = store.LoadState(ctx, "inst-1")
	require.Error(t, err, "a snapshot written by a newer schema version must not load silently, and there is no backup to fall back to")
}

func TestFileStoreDeleteState(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, testState("inst-1")))
	require.NoError(t, store.DeleteState(ctx, "inst-1"))

	got, err := store.LoadState(ctx, "inst-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
