package flow_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decora-wifi/internal/flow"
)

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "entries.json")

	store, err := flow.OpenFileStore(path)
	require.NoError(t, err)
	assert.Empty(t, store.Entries())

	entry := flow.NewEntry(flow.EntryData{Username: "a@example.com", Password: "pw", UserID: "42"})
	entry.Options.ScanInterval = flow.Duration(90 * time.Second)
	require.NoError(t, store.Add(entry))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := flow.OpenFileStore(path)
	require.NoError(t, err)

	got, err := reopened.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.UniqueID)
	assert.Equal(t, "myLeviton Decora Wifi - a@example.com", got.Title)
	assert.Equal(t, "42", got.Data.UserID)
	assert.Equal(t, flow.Duration(90*time.Second), got.Options.ScanInterval)

	found, ok := reopened.FindByUniqueID("a@example.com")
	assert.True(t, ok)
	assert.Equal(t, entry.ID, found.ID)
}

func TestFileStore_AddDuplicate(t *testing.T) {
	store, err := flow.OpenFileStore(filepath.Join(t.TempDir(), "entries.json"))
	require.NoError(t, err)

	require.NoError(t, store.Add(flow.NewEntry(flow.EntryData{Username: "a@example.com"})))
	assert.Error(t, store.Add(flow.NewEntry(flow.EntryData{Username: "a@example.com"})))
}

func TestFileStore_UpdateRemove(t *testing.T) {
	store, err := flow.OpenFileStore(filepath.Join(t.TempDir(), "entries.json"))
	require.NoError(t, err)

	entry := flow.NewEntry(flow.EntryData{Username: "a@example.com", Password: "old"})
	require.NoError(t, store.Add(entry))

	entry.Data.Password = "new"
	require.NoError(t, store.Update(entry))

	got, err := store.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Data.Password)

	require.NoError(t, store.Remove(entry.ID))
	_, err = store.Get(entry.ID)
	assert.ErrorIs(t, err, flow.ErrEntryNotFound)
	assert.ErrorIs(t, store.Remove(entry.ID), flow.ErrEntryNotFound)
	assert.ErrorIs(t, store.Update(entry), flow.ErrEntryNotFound)
}

func TestOpenFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := flow.OpenFileStore(path)
	assert.Error(t, err)
}

func TestFileStore_FailedWriteKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.json")
	store, err := flow.OpenFileStore(path)
	require.NoError(t, err)

	entry := flow.NewEntry(flow.EntryData{Username: "a@example.com", Password: "old"})
	require.NoError(t, store.Add(entry))

	// a directory in place of the temp file makes every write fail
	require.NoError(t, os.Mkdir(path+".tmp", 0o755))

	changed := entry
	changed.Data.Password = "new"
	assert.Error(t, store.Update(changed))
	assert.Error(t, store.Remove(entry.ID))
	assert.Error(t, store.Add(flow.NewEntry(flow.EntryData{Username: "b@example.com"})))

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "old", entries[0].Data.Password)

	reopened, err := flow.OpenFileStore(path)
	require.NoError(t, err)
	got, err := reopened.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Data.Password)
	assert.Len(t, reopened.Entries(), 1)
}
