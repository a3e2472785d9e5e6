package filetree

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	postgresEntriesTable     = "filetree_entries"
	postgresCatalogTable     = "filetree_catalog_entities"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores the tree in PostgreSQL. Uniqueness is enforced by
// partial unique indexes: one folder row per (team_id, path) and one
// reconciled leaf per (team_id, type, ref). Writers that lose a race insert
// nothing and fetch the winner's row instead of erroring.
type PostgresBackend struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	return &PostgresBackend{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					team_id TEXT NOT NULL,
					path TEXT NOT NULL,
					depth INTEGER NOT NULL,
					type TEXT NOT NULL,
					ref TEXT NOT NULL DEFAULT '',
					meta TEXT NOT NULL DEFAULT '{}',
					created_by TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresEntriesTable),
			fmt.Sprintf(
				"CREATE UNIQUE INDEX IF NOT EXISTS %s_folder_path_idx ON %s (team_id, path) WHERE type = 'folder'",
				postgresEntriesTable, postgresEntriesTable),
			fmt.Sprintf(
				"CREATE UNIQUE INDEX IF NOT EXISTS %s_ref_idx ON %s (team_id, type, ref) WHERE ref <> ''",
				postgresEntriesTable, postgresEntriesTable),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s_team_path_idx ON %s (team_id, path)",
				postgresEntriesTable, postgresEntriesTable),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s_team_depth_idx ON %s (team_id, depth)",
				postgresEntriesTable, postgresEntriesTable),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					team_id TEXT NOT NULL,
					type TEXT NOT NULL,
					entity_id TEXT NOT NULL,
					name TEXT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (team_id, type, entity_id)
				)`, postgresCatalogTable),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) CreateEntry(ctx context.Context, entry Entry) (Entry, error) {
	if err := b.ensureReady(); err != nil {
		return Entry{}, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := b.materializeAncestors(ctx, tx, entry); err != nil {
		return Entry{}, err
	}
	stored, err := b.insertEntry(ctx, tx, entry)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, err
	}
	committed = true
	return stored, nil
}

func (b *PostgresBackend) ReconcileLeaf(ctx context.Context, entry Entry) (Entry, bool, error) {
	if err := b.ensureReady(); err != nil {
		return Entry{}, false, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := b.materializeAncestors(ctx, tx, entry); err != nil {
		return Entry{}, false, err
	}
	metaJSON, err := marshalMeta(entry.Meta)
	if err != nil {
		return Entry{}, false, err
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, team_id, path, depth, type, ref, meta, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (team_id, type, ref) WHERE ref <> '' DO NOTHING`, postgresEntriesTable)
	result, err := tx.ExecContext(ctx, insert,
		entry.ID, entry.TeamID, entry.Path, entry.Depth, entry.Type, entry.Ref,
		metaJSON, entry.CreatedBy, entry.CreatedAt)
	if err != nil {
		return Entry{}, false, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return Entry{}, false, err
	}
	if inserted == 0 {
		existing, err := b.fetchByRef(ctx, tx, entry.TeamID, entry.Type, entry.Ref)
		if err != nil {
			return Entry{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return Entry{}, false, err
		}
		committed = true
		return existing, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, false, err
	}
	committed = true
	return entry, true, nil
}

// materializeAncestors creates missing folder rows for every proper prefix
// of entry.Path, shallowest first, inside the caller's transaction. A
// concurrent writer of the same folder wins or loses the unique index race;
// either way exactly one row remains and neither writer errors.
func (b *PostgresBackend) materializeAncestors(ctx context.Context, tx *sql.Tx, entry Entry) error {
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, team_id, path, depth, type, created_by, created_at)
		VALUES ($1, $2, $3, $4, 'folder', $5, $6)
		ON CONFLICT (team_id, path) WHERE type = 'folder' DO NOTHING`, postgresEntriesTable)
	for depth, prefix := range ancestorPaths(entry.Path) {
		_, err := tx.ExecContext(ctx, insert,
			uuid.NewString(), entry.TeamID, prefix, depth+1, entry.CreatedBy, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("materialize %q: %w", prefix, err)
		}
	}
	return nil
}

// insertEntry writes one row. Explicit folder creates share the
// materializer's insert-if-absent semantics: when a folder row already holds
// the (team, path) slot, that existing row is returned and nothing is
// written.
func (b *PostgresBackend) insertEntry(ctx context.Context, tx *sql.Tx, entry Entry) (Entry, error) {
	metaJSON, err := marshalMeta(entry.Meta)
	if err != nil {
		return Entry{}, err
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, team_id, path, depth, type, ref, meta, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, postgresEntriesTable)
	if entry.Type == FolderType {
		insert += "\n\t\tON CONFLICT (team_id, path) WHERE type = 'folder' DO NOTHING"
	}
	result, err := tx.ExecContext(ctx, insert,
		entry.ID, entry.TeamID, entry.Path, entry.Depth, entry.Type, entry.Ref,
		metaJSON, entry.CreatedBy, entry.CreatedAt)
	if err != nil {
		return Entry{}, mapUniqueViolation(err)
	}
	if entry.Type == FolderType {
		inserted, err := result.RowsAffected()
		if err != nil {
			return Entry{}, err
		}
		if inserted == 0 {
			return b.fetchFolderByPath(ctx, tx, entry.TeamID, entry.Path)
		}
	}
	return entry, nil
}

func (b *PostgresBackend) fetchFolderByPath(ctx context.Context, tx *sql.Tx, teamID, path string) (Entry, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE team_id = $1 AND path = $2 AND type = 'folder'",
		postgresEntryColumns, postgresEntriesTable)
	entry, err := scanEntry(tx.QueryRowContext(ctx, query, teamID, path))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

// mapUniqueViolation turns SQLSTATE 23505 from the partial unique indexes
// into ErrConflict so callers surface 409 instead of a driver error.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

const postgresEntryColumns = "id, team_id, path, depth, type, ref, meta, created_by, created_at"

func (b *PostgresBackend) GetEntry(ctx context.Context, teamID, id string) (Entry, error) {
	if err := b.ensureReady(); err != nil {
		return Entry{}, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE team_id = $1 AND id = $2",
		postgresEntryColumns, postgresEntriesTable)
	entry, err := scanEntry(b.db.QueryRowContext(ctx, query, teamID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

func (b *PostgresBackend) fetchByRef(ctx context.Context, tx *sql.Tx, teamID, entryType, ref string) (Entry, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE team_id = $1 AND type = $2 AND ref = $3",
		postgresEntryColumns, postgresEntriesTable)
	entry, err := scanEntry(tx.QueryRowContext(ctx, query, teamID, entryType, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

func (b *PostgresBackend) UpdateEntry(ctx context.Context, teamID, id string, update EntryUpdate) (Entry, error) {
	if err := b.ensureReady(); err != nil {
		return Entry{}, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE team_id = $1 AND id = $2 FOR UPDATE",
		postgresEntryColumns, postgresEntriesTable)
	entry, err := scanEntry(tx.QueryRowContext(ctx, query, teamID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if update.Path != nil {
		entry.Path = *update.Path
		entry.Depth = PathDepth(entry.Path)
	}
	if update.Type != nil {
		entry.Type = *update.Type
	}
	if update.Meta != nil {
		entry.Meta = update.Meta
	}
	metaJSON, err := marshalMeta(entry.Meta)
	if err != nil {
		return Entry{}, err
	}
	updateStmt := fmt.Sprintf(
		"UPDATE %s SET path = $1, depth = $2, type = $3, meta = $4 WHERE team_id = $5 AND id = $6",
		postgresEntriesTable)
	if _, err := tx.ExecContext(ctx, updateStmt,
		entry.Path, entry.Depth, entry.Type, metaJSON, teamID, id); err != nil {
		return Entry{}, mapUniqueViolation(err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, err
	}
	committed = true
	return entry, nil
}

func (b *PostgresBackend) DeleteEntry(ctx context.Context, teamID, id string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE team_id = $1 AND id = $2", postgresEntriesTable)
	result, err := b.db.ExecContext(ctx, query, teamID, id)
	if err != nil {
		return err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *PostgresBackend) ListEntries(ctx context.Context, query ListQuery) ([]Entry, int, error) {
	if err := b.ensureReady(); err != nil {
		return nil, 0, err
	}
	where := []string{"team_id = $1"}
	args := []any{query.TeamID}
	if query.Depth != nil {
		args = append(args, *query.Depth)
		where = append(where, fmt.Sprintf("depth = $%d", len(args)))
	}
	if query.Parent != "" {
		// strpos avoids LIKE wildcard handling of escape characters
		// stored inside path text.
		args = append(args, query.Parent+string(pathSeparator))
		where = append(where, fmt.Sprintf("strpos(path, $%d) = 1", len(args)))
	}
	if query.Search != "" {
		args = append(args, "%"+escapeLikePattern(query.Search)+"%")
		where = append(where, fmt.Sprintf(`path ILIKE $%d ESCAPE '\'`, len(args)))
	}
	whereClause := strings.Join(where, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", postgresEntriesTable, whereClause)
	var total int
	if err := b.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY path ASC, id ASC",
		postgresEntryColumns, postgresEntriesTable, whereClause)
	if query.Limit > 0 {
		args = append(args, query.Limit)
		listQuery += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if query.Offset > 0 {
		args = append(args, query.Offset)
		listQuery += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := b.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (b *PostgresBackend) UpsertCatalogEntity(ctx context.Context, entity CatalogEntity) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (team_id, type, entity_id, name, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (team_id, type, entity_id)
		DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()`, postgresCatalogTable)
	_, err := b.db.ExecContext(ctx, query, entity.TeamID, entity.Type, entity.EntityID, entity.Name)
	return err
}

func (b *PostgresBackend) DeleteCatalogEntity(ctx context.Context, teamID, entityType, entityID string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE team_id = $1 AND type = $2 AND entity_id = $3",
		postgresCatalogTable)
	_, err := b.db.ExecContext(ctx, query, teamID, entityType, entityID)
	return err
}

func (b *PostgresBackend) ListCatalogEntities(ctx context.Context, teamID, entityType string) ([]CatalogEntity, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT team_id, type, entity_id, name FROM %s WHERE team_id = $1 AND type = $2 ORDER BY entity_id ASC",
		postgresCatalogTable)
	rows, err := b.db.QueryContext(ctx, query, teamID, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := []CatalogEntity{}
	for rows.Next() {
		var entity CatalogEntity
		if err := rows.Scan(&entity.TeamID, &entity.Type, &entity.EntityID, &entity.Name); err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var entry Entry
	var metaJSON string
	err := row.Scan(&entry.ID, &entry.TeamID, &entry.Path, &entry.Depth, &entry.Type,
		&entry.Ref, &metaJSON, &entry.CreatedBy, &entry.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &entry.Meta); err != nil {
			return Entry{}, fmt.Errorf("decode meta for %s: %w", entry.ID, err)
		}
	}
	return entry, nil
}

func marshalMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func escapeLikePattern(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
