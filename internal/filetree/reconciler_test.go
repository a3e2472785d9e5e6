package filetree

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEntity(t *testing.T, store *Store, teamID, entityType, entityID, name string) {
	t.Helper()
	require.NoError(t, store.ApplyEntityEvent(context.Background(), EntityEvent{
		Event:    EntityEventUpserted,
		TeamID:   teamID,
		Type:     entityType,
		EntityID: entityID,
		Name:     name,
	}))
}

func countNonFolders(t *testing.T, store *Store, teamID string) int {
	t.Helper()
	entries, _, err := store.ListEntries(context.Background(), ListQuery{TeamID: teamID})
	require.NoError(t, err)
	count := 0
	for _, entry := range entries {
		if entry.Type != FolderType {
			count++
		}
	}
	return count
}

func TestReconcileUnfiledEmptyCatalog(t *testing.T) {
	store := newTestStore()

	created, err := store.ReconcileUnfiled(context.Background(), "team-1", "")
	require.NoError(t, err)
	assert.Empty(t, created)

	_, total, err := store.ListEntries(context.Background(), ListQuery{TeamID: "team-1"})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestReconcileUnfiledIsIdempotent(t *testing.T) {
	store := newTestStore()
	seedEntity(t, store, "team-1", "feature_flag", "ff-1", "Beta Feature")

	first, err := store.ReconcileUnfiled(context.Background(), "team-1", "")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "Unfiled/Feature Flags/Beta Feature", first[0].Path)
	assert.Equal(t, 3, first[0].Depth)
	assert.Equal(t, "feature_flag", first[0].Type)
	assert.Equal(t, "ff-1", first[0].Ref)
	assert.Equal(t, 1, countNonFolders(t, store, "team-1"))

	second, err := store.ReconcileUnfiled(context.Background(), "team-1", "")
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, countNonFolders(t, store, "team-1"))
}

func TestReconcileUnfiledAllTypes(t *testing.T) {
	store := newTestStore()
	seedEntity(t, store, "team-1", "feature_flag", "ff-1", "Beta Feature")
	seedEntity(t, store, "team-1", "experiment", "exp-1", "Experiment #1")
	seedEntity(t, store, "team-1", "dashboard", "dash-1", "User Dashboard")
	seedEntity(t, store, "team-1", "insight", "ins-1", "Marketing Insight")
	seedEntity(t, store, "team-1", "notebook", "nb-1", "Data Exploration")

	created, err := store.ReconcileUnfiled(context.Background(), "team-1", "")
	require.NoError(t, err)
	assert.Len(t, created, 5)
	assert.Equal(t, 5, countNonFolders(t, store, "team-1"))

	types := map[string]bool{}
	for _, entry := range created {
		types[entry.Type] = true
	}
	for _, want := range []string{"feature_flag", "experiment", "dashboard", "insight", "notebook"} {
		assert.True(t, types[want], "missing reconciled type %s", want)
	}
}

func TestReconcileUnfiledTypeFilter(t *testing.T) {
	store := newTestStore()
	seedEntity(t, store, "team-1", "feature_flag", "ff-1", "Only Flag")
	seedEntity(t, store, "team-1", "experiment", "exp-1", "Experiment #1")

	created, err := store.ReconcileUnfiled(context.Background(), "team-1", "feature_flag")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "feature_flag", created[0].Type)
	assert.Equal(t, 1, countNonFolders(t, store, "team-1"))

	_, err = store.ReconcileUnfiled(context.Background(), "team-1", "bogus_type")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReconcileUnfiledEscapesSlashInName(t *testing.T) {
	store := newTestStore()
	seedEntity(t, store, "team-1", "feature_flag", "ff-1", "Flag / With Slash")

	created, err := store.ReconcileUnfiled(context.Background(), "team-1", "")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, 3, created[0].Depth)
	assert.Equal(t, []string{"Unfiled", "Feature Flags", "Flag / With Slash"}, SplitPath(created[0].Path))
}

func TestReconcileUnfiledMaterializesSharedFolders(t *testing.T) {
	store := newTestStore()
	seedEntity(t, store, "team-1", "feature_flag", "ff-1", "One")
	seedEntity(t, store, "team-1", "feature_flag", "ff-2", "Two")

	created, err := store.ReconcileUnfiled(context.Background(), "team-1", "")
	require.NoError(t, err)
	assert.Len(t, created, 2)

	entries, _, err := store.ListEntries(context.Background(), ListQuery{TeamID: "team-1"})
	require.NoError(t, err)
	folderPaths := []string{}
	for _, entry := range entries {
		if entry.Type == FolderType {
			folderPaths = append(folderPaths, entry.Path)
		}
	}
	assert.ElementsMatch(t, []string{"Unfiled", "Unfiled/Feature Flags"}, folderPaths)
}

// Two source entities whose display names escape to the same string must
// still materialize as two distinct leaves keyed on their entity ids.
func TestReconcileUnfiledDistinguishesCollidingNames(t *testing.T) {
	store := newTestStore()
	seedEntity(t, store, "team-1", "feature_flag", "ff-1", "Same Name")
	seedEntity(t, store, "team-1", "feature_flag", "ff-2", "Same Name")

	created, err := store.ReconcileUnfiled(context.Background(), "team-1", "")
	require.NoError(t, err)
	assert.Len(t, created, 2)
	assert.Equal(t, 2, countNonFolders(t, store, "team-1"))
}

func TestReconcileUnfiledConcurrentCalls(t *testing.T) {
	store := newTestStore()
	for i := 0; i < 5; i++ {
		seedEntity(t, store, "team-1", "dashboard", "dash-"+string(rune('a'+i)), "Dashboard "+string(rune('A'+i)))
	}

	const callers = 4
	var wg sync.WaitGroup
	results := make([][]Entry, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = store.ReconcileUnfiled(context.Background(), "team-1", "")
		}(i)
	}
	wg.Wait()

	createdTotal := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		createdTotal += len(results[i])
	}
	assert.Equal(t, 5, createdTotal, "each entity is created exactly once across callers")
	assert.Equal(t, 5, countNonFolders(t, store, "team-1"))
}

func TestReconciledLeafTypeChangeRejectsRefCollision(t *testing.T) {
	store := newTestStore()
	seedEntity(t, store, "team-1", "insight", "shared-1", "As Insight")
	seedEntity(t, store, "team-1", "dashboard", "shared-1", "As Dashboard")

	created, err := store.ReconcileUnfiled(context.Background(), "team-1", "")
	require.NoError(t, err)
	require.Len(t, created, 2)

	var insight Entry
	for _, entry := range created {
		if entry.Type == "insight" {
			insight = entry
		}
	}
	require.NotEmpty(t, insight.ID)

	// Retyping would land on the dashboard leaf's (team, type, ref) slot.
	_, err = store.UpdateEntry(context.Background(), "team-1", insight.ID, EntryUpdate{Type: strPtr("dashboard")})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReconcileUnfiledIsTeamScoped(t *testing.T) {
	store := newTestStore()
	seedEntity(t, store, "team-1", "insight", "ins-1", "Mine")
	seedEntity(t, store, "team-2", "insight", "ins-2", "Theirs")

	created, err := store.ReconcileUnfiled(context.Background(), "team-1", "")
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "team-1", created[0].TeamID)
	assert.Zero(t, countNonFolders(t, store, "team-2"))
}

func TestApplyEntityEventValidation(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	err := store.ApplyEntityEvent(ctx, EntityEvent{Event: "bogus", TeamID: "t", Type: "dashboard", EntityID: "d"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = store.ApplyEntityEvent(ctx, EntityEvent{Event: EntityEventUpserted, TeamID: "t", Type: "dashboard", EntityID: "d"})
	assert.ErrorIs(t, err, ErrInvalidInput, "upsert requires a name")

	err = store.ApplyEntityEvent(ctx, EntityEvent{Event: EntityEventDeleted, TeamID: "", Type: "dashboard", EntityID: "d"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEntityDeletionStopsFutureReconciliation(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	seedEntity(t, store, "team-1", "notebook", "nb-1", "Scratch")

	require.NoError(t, store.ApplyEntityEvent(ctx, EntityEvent{
		Event: EntityEventDeleted, TeamID: "team-1", Type: "notebook", EntityID: "nb-1",
	}))
	created, err := store.ReconcileUnfiled(ctx, "team-1", "")
	require.NoError(t, err)
	assert.Empty(t, created)
}
