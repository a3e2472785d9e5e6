package filetree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// FolderType marks structural nodes created by ancestor materialization.
const FolderType = "folder"

// Entry is one node of a team's file tree. Depth always equals the
// escape-aware segment count of Path.
type Entry struct {
	ID        string         `json:"id"`
	TeamID    string         `json:"teamId"`
	Path      string         `json:"path"`
	Depth     int            `json:"depth"`
	Type      string         `json:"type"`
	Ref       string         `json:"ref,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedBy string         `json:"createdBy,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// EntryUpdate carries a partial update. Nil fields are left unchanged.
type EntryUpdate struct {
	Path *string
	Type *string
	Meta map[string]any
}

// ListQuery filters are combined with AND. A nil Depth means no depth filter.
type ListQuery struct {
	TeamID string
	Depth  *int
	Parent string
	Search string
	Limit  int
	Offset int
}

// CatalogEntity is one externally-owned entity announced to the service.
// The core only tracks identity, type tag and display name.
type CatalogEntity struct {
	TeamID   string `json:"teamId"`
	Type     string `json:"type"`
	EntityID string `json:"entityId"`
	Name     string `json:"name"`
}

// Backend is the persistence contract. Implementations must make
// CreateEntry and ReconcileLeaf atomic with their ancestor materialization,
// keep folder paths unique per team, and resolve concurrent writers of the
// same folder or the same (team, type, ref) leaf to a single row.
type Backend interface {
	CreateEntry(ctx context.Context, entry Entry) (Entry, error)
	GetEntry(ctx context.Context, teamID, id string) (Entry, error)
	UpdateEntry(ctx context.Context, teamID, id string, update EntryUpdate) (Entry, error)
	DeleteEntry(ctx context.Context, teamID, id string) error
	ReconcileLeaf(ctx context.Context, entry Entry) (Entry, bool, error)
	ListEntries(ctx context.Context, query ListQuery) ([]Entry, int, error)

	UpsertCatalogEntity(ctx context.Context, entity CatalogEntity) error
	DeleteCatalogEntity(ctx context.Context, teamID, entityType, entityID string) error
	ListCatalogEntities(ctx context.Context, teamID, entityType string) ([]CatalogEntity, error)

	Close() error
}

// CreateRequest is the input for Store.CreateEntry.
type CreateRequest struct {
	TeamID    string
	Path      string
	Type      string
	Meta      map[string]any
	CreatedBy string
}

type StoreOptions struct {
	Backend Backend
	// Sources overrides the entity sources scanned by ReconcileUnfiled.
	// When nil, the catalog-backed default set is used.
	Sources []EntitySource
	Logger  *zerolog.Logger
}

// Store is the namespace engine: validation, depth maintenance and
// reconciliation on top of a Backend.
type Store struct {
	backend Backend
	sources []EntitySource
	logger  zerolog.Logger
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	sources := opts.Sources
	if sources == nil {
		sources = DefaultCatalogSources(backend)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Store{
		backend: backend,
		sources: sources,
		logger:  logger,
	}
}

func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) CreateEntry(ctx context.Context, req CreateRequest) (Entry, error) {
	teamID := strings.TrimSpace(req.TeamID)
	if teamID == "" {
		return Entry{}, fmt.Errorf("%w: team id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Path) == "" {
		return Entry{}, fmt.Errorf("%w: path is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Type) == "" {
		return Entry{}, fmt.Errorf("%w: type is required", ErrInvalidInput)
	}
	depth := PathDepth(req.Path)
	if depth == 0 {
		return Entry{}, fmt.Errorf("%w: path has no segments", ErrInvalidInput)
	}
	entry := Entry{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		Path:      req.Path,
		Depth:     depth,
		Type:      req.Type,
		Meta:      req.Meta,
		CreatedBy: req.CreatedBy,
		CreatedAt: time.Now().UTC(),
	}
	created, err := s.backend.CreateEntry(ctx, entry)
	if err != nil {
		return Entry{}, err
	}
	s.logger.Debug().
		Str("teamId", created.TeamID).
		Str("path", created.Path).
		Str("type", created.Type).
		Int("depth", created.Depth).
		Msg("entry created")
	return created, nil
}

func (s *Store) GetEntry(ctx context.Context, teamID, id string) (Entry, error) {
	if strings.TrimSpace(teamID) == "" || strings.TrimSpace(id) == "" {
		return Entry{}, ErrNotFound
	}
	return s.backend.GetEntry(ctx, teamID, id)
}

// UpdateEntry applies a partial update. A path change recomputes depth but
// deliberately does not materialize new ancestors.
func (s *Store) UpdateEntry(ctx context.Context, teamID, id string, update EntryUpdate) (Entry, error) {
	if strings.TrimSpace(teamID) == "" || strings.TrimSpace(id) == "" {
		return Entry{}, ErrNotFound
	}
	if update.Path != nil && PathDepth(*update.Path) == 0 {
		return Entry{}, fmt.Errorf("%w: path has no segments", ErrInvalidInput)
	}
	if update.Type != nil && strings.TrimSpace(*update.Type) == "" {
		return Entry{}, fmt.Errorf("%w: type is required", ErrInvalidInput)
	}
	return s.backend.UpdateEntry(ctx, teamID, id, update)
}

func (s *Store) DeleteEntry(ctx context.Context, teamID, id string) error {
	if strings.TrimSpace(teamID) == "" || strings.TrimSpace(id) == "" {
		return ErrNotFound
	}
	return s.backend.DeleteEntry(ctx, teamID, id)
}

func (s *Store) ListEntries(ctx context.Context, query ListQuery) ([]Entry, int, error) {
	if strings.TrimSpace(query.TeamID) == "" {
		return nil, 0, fmt.Errorf("%w: team id is required", ErrInvalidInput)
	}
	if query.Depth != nil && *query.Depth < 0 {
		return nil, 0, fmt.Errorf("%w: depth must not be negative", ErrInvalidInput)
	}
	if query.Limit < 0 || query.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: pagination bounds must not be negative", ErrInvalidInput)
	}
	query.Parent = strings.TrimSuffix(query.Parent, string(pathSeparator))
	return s.backend.ListEntries(ctx, query)
}

// Sources returns the entity sources scanned by ReconcileUnfiled, ordered by
// type tag.
func (s *Store) Sources() []EntitySource {
	out := make([]EntitySource, len(s.sources))
	copy(out, s.sources)
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}
