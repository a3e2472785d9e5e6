package filetree

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityRef identifies one entity of an external collection.
type EntityRef struct {
	ID   string
	Name string
}

// EntitySource exposes one external entity type to the reconciler. Type is
// the leaf type tag, PluralLabel the second Unfiled path segment.
type EntitySource interface {
	Type() string
	PluralLabel() string
	Enumerate(ctx context.Context, teamID string) ([]EntityRef, error)
}

// The product's built-in entity types and their Unfiled folder labels.
var defaultEntityTypes = []struct {
	typeTag     string
	pluralLabel string
}{
	{"dashboard", "Dashboards"},
	{"experiment", "Experiments"},
	{"feature_flag", "Feature Flags"},
	{"insight", "Insights"},
	{"notebook", "Notebooks"},
}

// CatalogSource enumerates entities of one type from the backend's catalog.
type CatalogSource struct {
	backend     Backend
	typeTag     string
	pluralLabel string
}

func NewCatalogSource(backend Backend, typeTag, pluralLabel string) *CatalogSource {
	return &CatalogSource{backend: backend, typeTag: typeTag, pluralLabel: pluralLabel}
}

func (s *CatalogSource) Type() string {
	return s.typeTag
}

func (s *CatalogSource) PluralLabel() string {
	return s.pluralLabel
}

func (s *CatalogSource) Enumerate(ctx context.Context, teamID string) ([]EntityRef, error) {
	entities, err := s.backend.ListCatalogEntities(ctx, teamID, s.typeTag)
	if err != nil {
		return nil, err
	}
	refs := make([]EntityRef, 0, len(entities))
	for _, entity := range entities {
		refs = append(refs, EntityRef{ID: entity.EntityID, Name: entity.Name})
	}
	return refs, nil
}

// DefaultCatalogSources builds catalog-backed sources for the built-in
// entity types.
func DefaultCatalogSources(backend Backend) []EntitySource {
	sources := make([]EntitySource, 0, len(defaultEntityTypes))
	for _, t := range defaultEntityTypes {
		sources = append(sources, NewCatalogSource(backend, t.typeTag, t.pluralLabel))
	}
	return sources
}

// ReconcileUnfiled scans entity sources for the team and creates one leaf
// under "Unfiled/<label>/<escaped name>" per entity that has none yet.
// Presence is keyed on (team, type, entity id), so renamed entities and
// entities whose names escape to the same string stay exactly-once. Only
// entries created by this call are returned; a repeat call with no new
// entities returns an empty slice.
func (s *Store) ReconcileUnfiled(ctx context.Context, teamID, typeFilter string) ([]Entry, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return nil, fmt.Errorf("%w: team id is required", ErrInvalidInput)
	}
	sources := s.Sources()
	if typeFilter != "" {
		var matched EntitySource
		for _, source := range sources {
			if source.Type() == typeFilter {
				matched = source
				break
			}
		}
		if matched == nil {
			return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, typeFilter)
		}
		sources = []EntitySource{matched}
	}

	created := []Entry{}
	for _, source := range sources {
		refs, err := source.Enumerate(ctx, teamID)
		if err != nil {
			return nil, fmt.Errorf("enumerate %s: %w", source.Type(), err)
		}
		for _, ref := range refs {
			if strings.TrimSpace(ref.ID) == "" {
				continue
			}
			entry := Entry{
				ID:        uuid.NewString(),
				TeamID:    teamID,
				Path:      UnfiledPath(source.PluralLabel(), ref.Name),
				Type:      source.Type(),
				Ref:       ref.ID,
				CreatedAt: time.Now().UTC(),
			}
			entry.Depth = PathDepth(entry.Path)
			reconciled, wasCreated, err := s.backend.ReconcileLeaf(ctx, entry)
			if err != nil {
				return nil, fmt.Errorf("reconcile %s %s: %w", source.Type(), ref.ID, err)
			}
			if wasCreated {
				created = append(created, reconciled)
			}
		}
	}
	s.logger.Info().
		Str("teamId", teamID).
		Str("typeFilter", typeFilter).
		Int("created", len(created)).
		Msg("unfiled reconcile finished")
	return created, nil
}

const (
	EntityEventUpserted = "entity_upserted"
	EntityEventDeleted  = "entity_deleted"
)

// EntityEvent is one catalog change announced by an external product
// service through the internal ingestion endpoint.
type EntityEvent struct {
	Event    string `json:"event"`
	TeamID   string `json:"teamId"`
	Type     string `json:"type"`
	EntityID string `json:"entityId"`
	Name     string `json:"name,omitempty"`
}

// ApplyEntityEvent maintains the per-team entity catalog that the default
// sources enumerate. Deleting a catalog row does not remove an already
// materialized leaf.
func (s *Store) ApplyEntityEvent(ctx context.Context, event EntityEvent) error {
	if strings.TrimSpace(event.TeamID) == "" ||
		strings.TrimSpace(event.Type) == "" ||
		strings.TrimSpace(event.EntityID) == "" {
		return fmt.Errorf("%w: teamId, type and entityId are required", ErrInvalidInput)
	}
	switch event.Event {
	case EntityEventUpserted:
		if strings.TrimSpace(event.Name) == "" {
			return fmt.Errorf("%w: name is required for %s", ErrInvalidInput, EntityEventUpserted)
		}
		return s.backend.UpsertCatalogEntity(ctx, CatalogEntity{
			TeamID:   event.TeamID,
			Type:     event.Type,
			EntityID: event.EntityID,
			Name:     event.Name,
		})
	case EntityEventDeleted:
		return s.backend.DeleteCatalogEntity(ctx, event.TeamID, event.Type, event.EntityID)
	default:
		return fmt.Errorf("%w: unsupported event %q", ErrInvalidInput, event.Event)
	}
}
