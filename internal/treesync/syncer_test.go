package treesync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/filetree/internal/filetree"
)

// storeClient serves the RemoteClient surface straight from an in-memory
// store, so syncer tests exercise real namespace semantics.
type storeClient struct {
	store *filetree.Store
}

func (c *storeClient) ListEntries(ctx context.Context, teamID string, limit, offset int) (ListPage, error) {
	entries, total, err := c.store.ListEntries(ctx, filetree.ListQuery{
		TeamID: teamID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return ListPage{}, err
	}
	return ListPage{Count: total, Limit: limit, Offset: offset, Results: entries}, nil
}

func (c *storeClient) CreateEntry(ctx context.Context, teamID, path, entryType string, meta map[string]any) (filetree.Entry, error) {
	return c.store.CreateEntry(ctx, filetree.CreateRequest{
		TeamID: teamID,
		Path:   path,
		Type:   entryType,
		Meta:   meta,
	})
}

func (c *storeClient) MoveEntry(ctx context.Context, teamID, id, newPath string) (filetree.Entry, error) {
	entry, err := c.store.UpdateEntry(ctx, teamID, id, filetree.EntryUpdate{Path: &newPath})
	if errors.Is(err, filetree.ErrNotFound) {
		return filetree.Entry{}, ErrNotFound
	}
	return entry, err
}

func (c *storeClient) DeleteEntry(ctx context.Context, teamID, id string) error {
	err := c.store.DeleteEntry(ctx, teamID, id)
	if errors.Is(err, filetree.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func newTestSyncer(t *testing.T) (*Syncer, *filetree.Store, string) {
	t.Helper()
	store := filetree.NewStore()
	localDir := t.TempDir()
	syncer, err := NewSyncer(&storeClient{store: store}, SyncerOptions{
		TeamID:    "team_sync",
		LocalRoot: localDir,
	})
	require.NoError(t, err)
	return syncer, store, localDir
}

func readStub(t *testing.T, path string) entryStub {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var stub entryStub
	require.NoError(t, json.Unmarshal(data, &stub))
	return stub
}

func TestSyncOnceMirrorsRemoteTree(t *testing.T) {
	syncer, store, localDir := newTestSyncer(t)
	ctx := context.Background()

	created, err := store.CreateEntry(ctx, filetree.CreateRequest{
		TeamID: "team_sync",
		Path:   "Docs/Guides/Setup",
		Type:   "doc",
		Meta:   map[string]any{"pinned": true},
	})
	require.NoError(t, err)

	require.NoError(t, syncer.SyncOnce(ctx))

	info, err := os.Stat(filepath.Join(localDir, "Docs", "Guides"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	stub := readStub(t, filepath.Join(localDir, "Docs", "Guides", "Setup"+stubSuffix))
	assert.Equal(t, created.ID, stub.ID)
	assert.Equal(t, "doc", stub.Type)
	assert.Equal(t, map[string]any{"pinned": true}, stub.Meta)
}

func TestSyncOnceMapsSlashInName(t *testing.T) {
	syncer, store, localDir := newTestSyncer(t)
	ctx := context.Background()

	path := filetree.JoinPath([]string{"Docs", "A/B Testing"})
	_, err := store.CreateEntry(ctx, filetree.CreateRequest{
		TeamID: "team_sync",
		Path:   path,
		Type:   "doc",
	})
	require.NoError(t, err)

	require.NoError(t, syncer.SyncOnce(ctx))

	_, err = os.Stat(filepath.Join(localDir, "Docs", "A"+slashStandIn+"B Testing"+stubSuffix))
	assert.NoError(t, err)
}

func TestLocalMoveUpdatesRemotePath(t *testing.T) {
	syncer, store, localDir := newTestSyncer(t)
	ctx := context.Background()

	created, err := store.CreateEntry(ctx, filetree.CreateRequest{
		TeamID: "team_sync",
		Path:   "Inbox/Draft",
		Type:   "doc",
	})
	require.NoError(t, err)
	require.NoError(t, syncer.SyncOnce(ctx))

	oldPath := filepath.Join(localDir, "Inbox", "Draft"+stubSuffix)
	newDir := filepath.Join(localDir, "Archive", "2026")
	require.NoError(t, os.MkdirAll(newDir, 0o755))
	require.NoError(t, os.Rename(oldPath, filepath.Join(newDir, "Draft"+stubSuffix)))

	require.NoError(t, syncer.SyncOnce(ctx))

	moved, err := store.GetEntry(ctx, "team_sync", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Archive/2026/Draft", moved.Path)
	assert.Equal(t, 3, moved.Depth)
}

func TestLocalDeleteRemovesRemoteEntry(t *testing.T) {
	syncer, store, localDir := newTestSyncer(t)
	ctx := context.Background()

	created, err := store.CreateEntry(ctx, filetree.CreateRequest{
		TeamID: "team_sync",
		Path:   "Inbox/Obsolete",
		Type:   "doc",
	})
	require.NoError(t, err)
	require.NoError(t, syncer.SyncOnce(ctx))

	require.NoError(t, os.Remove(filepath.Join(localDir, "Inbox", "Obsolete"+stubSuffix)))
	require.NoError(t, syncer.SyncOnce(ctx))

	_, err = store.GetEntry(ctx, "team_sync", created.ID)
	assert.ErrorIs(t, err, filetree.ErrNotFound)
}

func TestNewStubCreatesRemoteEntry(t *testing.T) {
	syncer, store, localDir := newTestSyncer(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(localDir, "Notes"), 0o755))
	stubPath := filepath.Join(localDir, "Notes", "Scratch"+stubSuffix)
	require.NoError(t, os.WriteFile(stubPath, []byte(`{"type":"notebook"}`), 0o644))

	require.NoError(t, syncer.SyncOnce(ctx))

	entries, _, err := store.ListEntries(ctx, filetree.ListQuery{TeamID: "team_sync", Search: "Scratch"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Notes/Scratch", entries[0].Path)
	assert.Equal(t, "notebook", entries[0].Type)

	stub := readStub(t, stubPath)
	assert.Equal(t, entries[0].ID, stub.ID, "stub is rewritten with the assigned id")
}

func TestRemoteDeleteCleansLocalMirror(t *testing.T) {
	syncer, store, localDir := newTestSyncer(t)
	ctx := context.Background()

	created, err := store.CreateEntry(ctx, filetree.CreateRequest{
		TeamID: "team_sync",
		Path:   "Inbox/Gone",
		Type:   "doc",
	})
	require.NoError(t, err)
	require.NoError(t, syncer.SyncOnce(ctx))

	require.NoError(t, store.DeleteEntry(ctx, "team_sync", created.ID))
	require.NoError(t, syncer.SyncOnce(ctx))

	_, err = os.Stat(filepath.Join(localDir, "Inbox", "Gone"+stubSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestPathMappingRoundTrip(t *testing.T) {
	entry := filetree.Entry{
		Path: filetree.JoinPath([]string{"Unfiled", "Feature Flags", "Flag / With Slash"}),
		Type: "feature_flag",
	}
	rel, err := localRelForEntry(entry)
	require.NoError(t, err)
	assert.Equal(t, "Unfiled/Feature Flags/Flag "+slashStandIn+" With Slash"+stubSuffix, rel)

	back, err := virtualPathFromRel(rel)
	require.NoError(t, err)
	assert.Equal(t, entry.Path, back)
}

func TestVirtualPathFromRelRejectsEscapes(t *testing.T) {
	_, err := virtualPathFromRel("../outside" + stubSuffix)
	assert.Error(t, err)
}
