package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"

	"github.com/ha1tch/bizzgraph/pkg/models"
	lru "github.com/hashicorp/golang-lru/v2"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// graphCacheSize bounds how many repository graphs are kept for path queries
const graphCacheSize = 16

// SQLiteStore implements GraphStore on an embedded SQLite database
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	version string
	config  SQLiteConfig

	// mu serializes write transactions. Readers rely on WAL isolation alone.
	mu sync.Mutex

	// repository id -> directed graph of contained objects, built on demand.
	// generation counts committed writes; graphMu orders cache fills
	// against invalidation so a graph read before a commit is never cached
	// after it.
	graphs     *lru.Cache[string, *repoGraph]
	graphMu    sync.Mutex
	generation uint64
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	DBPath            string
	EnableWAL         bool // Write-Ahead Logging for better concurrency
	EnableForeignKeys bool
	CacheSize         int // Page cache size in KB
	BusyTimeout       int // Milliseconds to wait on locked database
}

// DefaultSQLiteConfig returns the settings used when none are given
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		DBPath:            "bizzgraph.db",
		EnableWAL:         true,
		EnableForeignKeys: true,
		CacheSize:         64000,
		BusyTimeout:       5000,
	}
}

// dsn encodes the pragmas in the connection string so that every pooled
// connection gets them, not only the first one.
func (c SQLiteConfig) dsn(dbPath string) string {
	q := url.Values{}
	if c.EnableWAL {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	if c.EnableForeignKeys {
		q.Add("_pragma", "foreign_keys(1)")
	}
	if c.CacheSize > 0 {
		q.Add("_pragma", fmt.Sprintf("cache_size(-%d)", c.CacheSize))
	}
	if c.BusyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout))
	}
	return dbPath + "?" + q.Encode()
}

// NewSQLiteStore creates a new SQLite-based graph store
func NewSQLiteStore(dbPath string, config SQLiteConfig) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = config.DBPath
	}
	if dbPath == "" {
		dbPath = "bizzgraph.db"
	}

	// Open database
	db, err := sql.Open("sqlite", config.dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	graphs, err := lru.New[string, *repoGraph](graphCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		config: config,
		graphs: graphs,
	}

	// Initialize database schema
	if err := store.initialize(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS objects (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		object_name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		properties TEXT NOT NULL DEFAULT '{}', -- JSON
		metadata TEXT NOT NULL DEFAULT '{}',   -- JSON
		category TEXT NOT NULL DEFAULT '',
		sub_category TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		search_name TEXT NOT NULL DEFAULT '',        -- folded name and localized names
		search_description TEXT NOT NULL DEFAULT '', -- folded description
		outgoing_count INTEGER NOT NULL DEFAULT 0,
		incoming_count INTEGER NOT NULL DEFAULT 0,
		relationship_count INTEGER NOT NULL DEFAULT 0,
		is_hub INTEGER NOT NULL DEFAULT 0,
		is_leaf INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_objects_type ON objects(type);
	CREATE INDEX IF NOT EXISTS idx_objects_name ON objects(name);

	-- Repository containment edges
	CREATE TABLE IF NOT EXISTS contains (
		repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
		object_id TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
		PRIMARY KEY (repository_id, object_id)
	);

	CREATE INDEX IF NOT EXISTS idx_contains_object ON contains(object_id);

	-- Relation edges. Ids are not unique: each load creates edges afresh.
	CREATE TABLE IF NOT EXISTS relations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
		target_id TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
		properties TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		from_name TEXT NOT NULL DEFAULT '',
		to_name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_relations_id ON relations(id);
	CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id);
	CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id);

	CREATE TABLE IF NOT EXISTS tags (
		name TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS object_tags (
		object_id TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
		tag_name TEXT NOT NULL REFERENCES tags(name) ON DELETE CASCADE,
		PRIMARY KEY (object_id, tag_name)
	);

	CREATE INDEX IF NOT EXISTS idx_object_tags_tag ON object_tags(tag_name);

	-- Data blocks keep their owner id without a foreign key; orphans are
	-- removed by the delete phase.
	CREATE TABLE IF NOT EXISTS datablocks (
		id TEXT PRIMARY KEY,
		object_id TEXT NOT NULL,
		namespace TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		values_json TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_datablocks_object ON datablocks(object_id);
	CREATE INDEX IF NOT EXISTS idx_datablocks_schema ON datablocks(namespace, name);

	-- Version tracking for migrations
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
`

// initialize creates the necessary tables
func (s *SQLiteStore) initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		return err
	}

	if err := s.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&s.version); err != nil {
		return fmt.Errorf("failed to read sqlite version: %w", err)
	}

	return nil
}

// schemaVersion is the version initialize brings a database to
const schemaVersion = 2

// migrate upgrades databases created by earlier versions. Version 2 added
// the folded search columns, which are backfilled from the stored objects.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current == 1 {
		if err := s.migrateSearchColumns(ctx); err != nil {
			return fmt.Errorf("failed to migrate to schema version 2: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) migrateSearchColumns(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, column := range []string{"search_name", "search_description"} {
			if _, err := tx.ExecContext(ctx,
				"ALTER TABLE objects ADD COLUMN "+column+" TEXT NOT NULL DEFAULT ''"); err != nil {
				return err
			}
		}

		rows, err := tx.QueryContext(ctx, "SELECT id, name, object_name, description FROM objects")
		if err != nil {
			return err
		}
		var records []ObjectRecord
		for rows.Next() {
			var r ObjectRecord
			if err := rows.Scan(&r.ID, &r.Name, &r.ObjectName, &r.Description); err != nil {
				rows.Close()
				return err
			}
			records = append(records, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			"UPDATE objects SET search_name = ?, search_description = ? WHERE id = ?")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, r.SearchName(), r.SearchDescription(), r.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Info returns store information
func (s *SQLiteStore) Info() StoreInfo {
	return StoreInfo{
		Type:    "sqlite",
		Version: s.version,
		Target:  s.dbPath,
	}
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// invalidate drops every cached graph. A write to a shared object changes
// the graphs of all repositories containing it.
func (s *SQLiteStore) invalidate() {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	s.generation++
	s.graphs.Purge()
}

// graphGeneration returns the write generation a graph build starts from
func (s *SQLiteStore) graphGeneration() uint64 {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	return s.generation
}

// cacheGraph stores rg unless a write has committed since gen
func (s *SQLiteStore) cacheGraph(repoID string, gen uint64, rg *repoGraph) {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	if s.generation == gen {
		s.graphs.Add(repoID, rg)
	}
}

// withTx runs fn in a write transaction. Cached graphs are dropped once the
// transaction has ended.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.invalidate()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ============================================================================
// GraphWriter
// ============================================================================

// UpsertRepository creates or updates a repository row
func (s *SQLiteStore) UpsertRepository(ctx context.Context, repo models.Repository) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO repositories (id, name, description, version, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				version = excluded.version,
				updated_at = CURRENT_TIMESTAMP
		`, repo.ID, repo.Name, repo.Description, repo.Version)
		if err != nil {
			return fmt.Errorf("failed to upsert repository: %w", err)
		}
		return nil
	})
}

// DeleteRepositoryGraph removes the repository graph in four ordered steps
func (s *SQLiteStore) DeleteRepositoryGraph(ctx context.Context, repoID string) (*DeleteResult, error) {
	result := &DeleteResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		steps := []struct {
			name  string
			query string
			args  []interface{}
			count *int64
		}{
			{"contained objects", `
				DELETE FROM objects
				WHERE id IN (SELECT object_id FROM contains WHERE repository_id = ?)
			`, []interface{}{repoID}, &result.Objects},
			{"orphan objects", `
				DELETE FROM objects
				WHERE NOT EXISTS (SELECT 1 FROM contains c WHERE c.object_id = objects.id)
			`, nil, &result.OrphanObjects},
			{"orphan data blocks", `
				DELETE FROM datablocks
				WHERE NOT EXISTS (SELECT 1 FROM objects o WHERE o.id = datablocks.object_id)
			`, nil, &result.OrphanDataBlocks},
			{"orphan tags", `
				DELETE FROM tags
				WHERE NOT EXISTS (SELECT 1 FROM object_tags t WHERE t.tag_name = tags.name)
			`, nil, &result.OrphanTags},
		}

		for _, step := range steps {
			res, err := tx.ExecContext(ctx, step.query, step.args...)
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", step.name, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			*step.count = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertObjects writes a batch of objects and their containment edges
func (s *SQLiteStore) UpsertObjects(ctx context.Context, repoID string, batch []ObjectRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		upsert, err := tx.PrepareContext(ctx, `
			INSERT INTO objects (id, type, name, object_name, description,
				search_name, search_description, properties, metadata, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type,
				name = excluded.name,
				object_name = excluded.object_name,
				description = excluded.description,
				search_name = excluded.search_name,
				search_description = excluded.search_description,
				properties = excluded.properties,
				metadata = excluded.metadata,
				updated_at = CURRENT_TIMESTAMP
		`)
		if err != nil {
			return err
		}
		defer upsert.Close()

		attach, err := tx.PrepareContext(ctx,
			"INSERT OR IGNORE INTO contains (repository_id, object_id) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer attach.Close()

		for _, obj := range batch {
			if _, err := upsert.ExecContext(ctx, obj.ID, obj.Type, obj.Name, obj.ObjectName,
				obj.Description, obj.SearchName(), obj.SearchDescription(),
				jsonOrEmpty(obj.Properties), jsonOrEmpty(obj.Metadata)); err != nil {
				return fmt.Errorf("failed to upsert object %s: %w", obj.ID, err)
			}
			if _, err := attach.ExecContext(ctx, repoID, obj.ID); err != nil {
				return fmt.Errorf("failed to attach object %s: %w", obj.ID, err)
			}
		}
		return nil
	})
}

// CreateDataBlocks writes data blocks whose owner exists
func (s *SQLiteStore) CreateDataBlocks(ctx context.Context, batch []DataBlockRecord) (int, error) {
	written := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO datablocks (id, object_id, namespace, name, values_json, updated_at)
			SELECT ?, ?, ?, ?, ?, ?
			WHERE EXISTS (SELECT 1 FROM objects WHERE id = ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, db := range batch {
			res, err := stmt.ExecContext(ctx, db.ID, db.ObjectID, db.Namespace, db.Name,
				jsonOrEmpty(db.Values), db.UpdatedAt, db.ObjectID)
			if err != nil {
				return fmt.Errorf("failed to write data block %s: %w", db.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				written++
			}
		}
		return nil
	})
	return written, err
}

// CreateTags writes the distinct tag names
func (s *SQLiteStore) CreateTags(ctx context.Context, names []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO tags (name) VALUES (?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, name := range names {
			if _, err := stmt.ExecContext(ctx, name); err != nil {
				return fmt.Errorf("failed to create tag %q: %w", name, err)
			}
		}
		return nil
	})
}

// AttachTags links objects to existing tags
func (s *SQLiteStore) AttachTags(ctx context.Context, batch []TagEdge) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO object_tags (object_id, tag_name)
			SELECT ?, ?
			WHERE EXISTS (SELECT 1 FROM objects WHERE id = ?)
			  AND EXISTS (SELECT 1 FROM tags WHERE name = ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, edge := range batch {
			if _, err := stmt.ExecContext(ctx, edge.ObjectID, edge.Tag, edge.ObjectID, edge.Tag); err != nil {
				return fmt.Errorf("failed to attach tag %q: %w", edge.Tag, err)
			}
		}
		return nil
	})
}

// CreateRelations creates edges between objects contained in the repository
func (s *SQLiteStore) CreateRelations(ctx context.Context, repoID string, batch []RelationRecord) (int, error) {
	created := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO relations (id, type, source_id, target_id, properties, metadata)
			SELECT ?, ?, ?, ?, ?, ?
			WHERE EXISTS (SELECT 1 FROM contains WHERE repository_id = ? AND object_id = ?)
			  AND EXISTS (SELECT 1 FROM contains WHERE repository_id = ? AND object_id = ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rel := range batch {
			res, err := stmt.ExecContext(ctx, rel.ID, rel.Type, rel.SourceID, rel.TargetID,
				jsonOrEmpty(rel.Properties), jsonOrEmpty(rel.Metadata),
				repoID, rel.SourceID, repoID, rel.TargetID)
			if err != nil {
				return fmt.Errorf("failed to create relation %s: %w", rel.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				created++
			}
		}
		return nil
	})
	return created, err
}

// RefreshDerived recomputes derived object and edge fields for a repository
func (s *SQLiteStore) RefreshDerived(ctx context.Context, repoID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT o.id, o.type, o.name
			FROM objects o
			JOIN contains c ON c.object_id = o.id
			WHERE c.repository_id = ?
		`, repoID)
		if err != nil {
			return err
		}

		type derived struct{ id, category, sub, display string }
		var updates []derived
		for rows.Next() {
			var id, typ, name string
			if err := rows.Scan(&id, &typ, &name); err != nil {
				rows.Close()
				return err
			}
			category, sub := models.SplitType(typ)
			updates = append(updates, derived{id, category, sub, models.FallbackDisplayName(name, id)})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			"UPDATE objects SET category = ?, sub_category = ?, display_name = ? WHERE id = ?")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, u.category, u.sub, u.display, u.id); err != nil {
				return fmt.Errorf("failed to update object %s: %w", u.id, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE objects SET
				outgoing_count = (SELECT COUNT(*) FROM relations r WHERE r.source_id = objects.id),
				incoming_count = (SELECT COUNT(*) FROM relations r WHERE r.target_id = objects.id)
			WHERE id IN (SELECT object_id FROM contains WHERE repository_id = ?)
		`, repoID); err != nil {
			return fmt.Errorf("failed to count relations: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE objects SET
				relationship_count = outgoing_count + incoming_count,
				is_hub = (outgoing_count + incoming_count) > ?,
				is_leaf = (outgoing_count + incoming_count) = 0
			WHERE id IN (SELECT object_id FROM contains WHERE repository_id = ?)
		`, HubThreshold, repoID); err != nil {
			return fmt.Errorf("failed to flag hubs: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE relations SET
				from_name = (SELECT COALESCE(NULLIF(o.display_name, ''), NULLIF(o.name, ''), o.id)
				             FROM objects o WHERE o.id = relations.source_id),
				to_name = (SELECT COALESCE(NULLIF(o.display_name, ''), NULLIF(o.name, ''), o.id)
				           FROM objects o WHERE o.id = relations.target_id)
			WHERE source_id IN (SELECT object_id FROM contains WHERE repository_id = ?)
		`, repoID); err != nil {
			return fmt.Errorf("failed to name relation endpoints: %w", err)
		}

		return nil
	})
}

func jsonOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
