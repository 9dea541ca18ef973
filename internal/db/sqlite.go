package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/udisondev/ttdnet/internal/content"
)

// OpenSQLite opens or creates the SQLite database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// SQLite serialises writers anyway.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		slog.Warn("enabling WAL mode", "path", path, "error", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		slog.Warn("enabling foreign keys", "path", path, "error", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database %s: %w", path, err)
	}
	return sqlDB, nil
}

// SQLiteContentRepository implements content.Store backed by SQLite.
type SQLiteContentRepository struct {
	db *sql.DB
}

// Compile-time check.
var _ content.Store = (*SQLiteContentRepository)(nil)

// NewSQLiteContentRepository creates a repository on an already migrated database.
func NewSQLiteContentRepository(sqlDB *sql.DB) *SQLiteContentRepository {
	return &SQLiteContentRepository{db: sqlDB}
}

// ListByType returns every entry of type t ordered by id.
func (r *SQLiteContentRepository) ListByType(ctx context.Context, t content.ContentType) ([]*content.ContentInfo, error) {
	return r.query(ctx, `SELECT `+contentColumns+` FROM content WHERE type = ? ORDER BY id`, int64(t))
}

// GetByIDs returns the entries with the given ids; unknown ids are skipped.
func (r *SQLiteContentRepository) GetByIDs(ctx context.Context, ids []content.ContentID) ([]*content.ContentInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}
	return r.query(ctx,
		`SELECT `+contentColumns+` FROM content WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
}

// GetByExternalIDs returns the entries matching type and unique id. The MD5
// of a key is not compared here; callers filter on it.
func (r *SQLiteContentRepository) GetByExternalIDs(ctx context.Context, ids []content.ExternalID) ([]*content.ContentInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	conds := make([]string, len(ids))
	args := make([]any, 0, 2*len(ids))
	for i, k := range ids {
		conds[i] = "(type = ? AND unique_id = ?)"
		args = append(args, int64(k.Type), int64(k.UniqueID))
	}
	return r.query(ctx,
		`SELECT `+contentColumns+` FROM content WHERE `+strings.Join(conds, " OR ")+` ORDER BY id`, args...)
}

// Upsert inserts or replaces an entry together with its dependencies and tags.
func (r *SQLiteContentRepository) Upsert(ctx context.Context, ci *content.ContentInfo) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO content (`+contentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   type = excluded.type, unique_id = excluded.unique_id, md5 = excluded.md5,
		   filename = excluded.filename, filesize = excluded.filesize, name = excluded.name,
		   version = excluded.version, url = excluded.url, description = excluded.description`,
		int64(ci.ID), int64(ci.Type), int64(ci.UniqueID), ci.MD5[:], ci.Filename, int64(ci.FileSize),
		ci.Name, ci.Version, ci.URL, ci.Description); err != nil {
		return fmt.Errorf("upsert content %d: %w", ci.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM content_dependencies WHERE content_id = ?`, int64(ci.ID)); err != nil {
		return fmt.Errorf("delete dependencies of %d: %w", ci.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM content_tags WHERE content_id = ?`, int64(ci.ID)); err != nil {
		return fmt.Errorf("delete tags of %d: %w", ci.ID, err)
	}
	for i, dep := range ci.Dependencies {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO content_dependencies (content_id, position, dependency_id) VALUES (?, ?, ?)`,
			int64(ci.ID), i, int64(dep)); err != nil {
			return fmt.Errorf("insert dependency %d of %d: %w", dep, ci.ID, err)
		}
	}
	for i, tag := range ci.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO content_tags (content_id, position, tag) VALUES (?, ?, ?)`,
			int64(ci.ID), i, tag); err != nil {
			return fmt.Errorf("insert tag %q of %d: %w", tag, ci.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit content tx: %w", err)
	}
	return nil
}

func (r *SQLiteContentRepository) query(ctx context.Context, query string, args ...any) ([]*content.ContentInfo, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query content: %w", err)
	}

	var result []*content.ContentInfo
	byID := make(map[int64]*content.ContentInfo)
	for rows.Next() {
		var (
			row                    contentRow
			id, typ, uid, filesize int64
		)
		if err := rows.Scan(&id, &typ, &uid, &row.md5, &row.filename, &filesize,
			&row.name, &row.version, &row.url, &row.description); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan content row: %w", err)
		}
		ci := row.info(id, typ, uid, filesize)
		result = append(result, ci)
		byID[id] = ci
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate content rows: %w", err)
	}
	// One connection: the rows must be released before the next query.
	rows.Close()
	if len(result) == 0 {
		return nil, nil
	}

	ids := make([]any, 0, len(result))
	for _, ci := range result {
		ids = append(ids, int64(ci.ID))
	}
	in := placeholders(len(ids))

	deps, err := r.db.QueryContext(ctx,
		`SELECT content_id, dependency_id FROM content_dependencies
		 WHERE content_id IN (`+in+`) ORDER BY content_id, position`, ids...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	for deps.Next() {
		var id, dep int64
		if err := deps.Scan(&id, &dep); err != nil {
			deps.Close()
			return nil, fmt.Errorf("scan dependency row: %w", err)
		}
		byID[id].Dependencies = append(byID[id].Dependencies, content.ContentID(dep))
	}
	err = deps.Err()
	deps.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate dependency rows: %w", err)
	}

	tags, err := r.db.QueryContext(ctx,
		`SELECT content_id, tag FROM content_tags
		 WHERE content_id IN (`+in+`) ORDER BY content_id, position`, ids...)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer tags.Close()
	for tags.Next() {
		var (
			id  int64
			tag string
		)
		if err := tags.Scan(&id, &tag); err != nil {
			return nil, fmt.Errorf("scan tag row: %w", err)
		}
		byID[id].Tags = append(byID[id].Tags, tag)
	}
	if err := tags.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag rows: %w", err)
	}
	return result, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
