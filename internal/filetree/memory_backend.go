package filetree

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps the tree in process memory. It enforces the same
// uniqueness guarantees as the postgres backend (one folder row per
// (team, path), one leaf per (team, type, ref)) under a single mutex, so
// the engine's concurrency semantics hold for local runs and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry         // entry id -> entry
	folders map[string]string        // team + path -> folder entry id
	refs    map[string]string        // team + type + ref -> leaf entry id
	catalog map[string]CatalogEntity // team + type + entity id -> entity
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: map[string]Entry{},
		folders: map[string]string{},
		refs:    map[string]string{},
		catalog: map[string]CatalogEntity{},
	}
}

func memoryKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func (b *MemoryBackend) CreateEntry(ctx context.Context, entry Entry) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Explicit folder creates share the materializer's insert-if-absent
	// semantics: the existing row wins and no duplicate is written.
	if entry.Type == FolderType {
		if existingID, ok := b.folders[memoryKey(entry.TeamID, entry.Path)]; ok {
			return cloneEntry(b.entries[existingID]), nil
		}
	}
	b.materializeAncestorsLocked(entry)
	b.insertLocked(entry)
	return cloneEntry(entry), nil
}

func (b *MemoryBackend) ReconcileLeaf(ctx context.Context, entry Entry) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existingID, ok := b.refs[memoryKey(entry.TeamID, entry.Type, entry.Ref)]; ok {
		return cloneEntry(b.entries[existingID]), false, nil
	}
	b.materializeAncestorsLocked(entry)
	b.insertLocked(entry)
	return cloneEntry(entry), true, nil
}

// materializeAncestorsLocked creates missing folder rows for every proper
// prefix of entry.Path, shallowest first.
func (b *MemoryBackend) materializeAncestorsLocked(entry Entry) {
	for depth, prefix := range ancestorPaths(entry.Path) {
		key := memoryKey(entry.TeamID, prefix)
		if _, ok := b.folders[key]; ok {
			continue
		}
		folder := Entry{
			ID:        uuid.NewString(),
			TeamID:    entry.TeamID,
			Path:      prefix,
			Depth:     depth + 1,
			Type:      FolderType,
			CreatedBy: entry.CreatedBy,
			CreatedAt: time.Now().UTC(),
		}
		b.insertLocked(folder)
	}
}

func (b *MemoryBackend) insertLocked(entry Entry) {
	b.entries[entry.ID] = cloneEntry(entry)
	if entry.Type == FolderType {
		b.folders[memoryKey(entry.TeamID, entry.Path)] = entry.ID
	}
	if entry.Ref != "" {
		b.refs[memoryKey(entry.TeamID, entry.Type, entry.Ref)] = entry.ID
	}
}

func (b *MemoryBackend) GetEntry(ctx context.Context, teamID, id string) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[id]
	if !ok || entry.TeamID != teamID {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (b *MemoryBackend) UpdateEntry(ctx context.Context, teamID, id string, update EntryUpdate) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[id]
	if !ok || entry.TeamID != teamID {
		return Entry{}, ErrNotFound
	}
	updated := entry
	if update.Path != nil {
		updated.Path = *update.Path
		updated.Depth = PathDepth(updated.Path)
	}
	if update.Type != nil {
		updated.Type = *update.Type
	}
	if update.Meta != nil {
		updated.Meta = update.Meta
	}
	if err := b.checkUniqueLocked(updated); err != nil {
		return Entry{}, err
	}
	b.dropIndexesLocked(entry)
	b.insertLocked(updated)
	return cloneEntry(updated), nil
}

// checkUniqueLocked rejects updates that would land a second folder row on a
// (team, path) or a second leaf on a (team, type, ref) already held by
// another entry.
func (b *MemoryBackend) checkUniqueLocked(entry Entry) error {
	if entry.Type == FolderType {
		if existingID, ok := b.folders[memoryKey(entry.TeamID, entry.Path)]; ok && existingID != entry.ID {
			return fmt.Errorf("%w: folder already exists at %q", ErrConflict, entry.Path)
		}
	}
	if entry.Ref != "" {
		if existingID, ok := b.refs[memoryKey(entry.TeamID, entry.Type, entry.Ref)]; ok && existingID != entry.ID {
			return fmt.Errorf("%w: %s %q already filed", ErrConflict, entry.Type, entry.Ref)
		}
	}
	return nil
}

func (b *MemoryBackend) DeleteEntry(ctx context.Context, teamID, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[id]
	if !ok || entry.TeamID != teamID {
		return ErrNotFound
	}
	b.dropIndexesLocked(entry)
	delete(b.entries, id)
	return nil
}

func (b *MemoryBackend) dropIndexesLocked(entry Entry) {
	if entry.Type == FolderType {
		key := memoryKey(entry.TeamID, entry.Path)
		if b.folders[key] == entry.ID {
			delete(b.folders, key)
		}
	}
	if entry.Ref != "" {
		key := memoryKey(entry.TeamID, entry.Type, entry.Ref)
		if b.refs[key] == entry.ID {
			delete(b.refs, key)
		}
	}
}

func (b *MemoryBackend) ListEntries(ctx context.Context, query ListQuery) ([]Entry, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	matched := []Entry{}
	parentPrefix := ""
	if query.Parent != "" {
		parentPrefix = query.Parent + string(pathSeparator)
	}
	search := strings.ToLower(query.Search)
	for _, entry := range b.entries {
		if entry.TeamID != query.TeamID {
			continue
		}
		if query.Depth != nil && entry.Depth != *query.Depth {
			continue
		}
		if parentPrefix != "" && !strings.HasPrefix(entry.Path, parentPrefix) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(entry.Path), search) {
			continue
		}
		matched = append(matched, cloneEntry(entry))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Path != matched[j].Path {
			return matched[i].Path < matched[j].Path
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	if query.Offset > 0 {
		if query.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[query.Offset:]
		}
	}
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	return matched, total, nil
}

func (b *MemoryBackend) UpsertCatalogEntity(ctx context.Context, entity CatalogEntity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catalog[memoryKey(entity.TeamID, entity.Type, entity.EntityID)] = entity
	return nil
}

func (b *MemoryBackend) DeleteCatalogEntity(ctx context.Context, teamID, entityType, entityID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.catalog, memoryKey(teamID, entityType, entityID))
	return nil
}

func (b *MemoryBackend) ListCatalogEntities(ctx context.Context, teamID, entityType string) ([]CatalogEntity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entities := []CatalogEntity{}
	for _, entity := range b.catalog {
		if entity.TeamID == teamID && entity.Type == entityType {
			entities = append(entities, entity)
		}
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].EntityID < entities[j].EntityID })
	return entities, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func cloneEntry(entry Entry) Entry {
	if entry.Meta != nil {
		meta := make(map[string]any, len(entry.Meta))
		for k, v := range entry.Meta {
			meta[k] = v
		}
		entry.Meta = meta
	}
	return entry
}
