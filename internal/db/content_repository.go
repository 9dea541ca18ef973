package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/ttdnet/internal/content"
)

const contentColumns = `id, type, unique_id, md5, filename, filesize, name, version, url, description`

// ContentRepository implements content.Store backed by PostgreSQL.
type ContentRepository struct {
	pool *pgxpool.Pool
}

// Compile-time check.
var _ content.Store = (*ContentRepository)(nil)

// NewContentRepository creates a new content repository.
func NewContentRepository(pool *pgxpool.Pool) *ContentRepository {
	return &ContentRepository{pool: pool}
}

// ListByType returns every entry of type t ordered by id.
func (r *ContentRepository) ListByType(ctx context.Context, t content.ContentType) ([]*content.ContentInfo, error) {
	return r.query(ctx,
		`SELECT `+contentColumns+` FROM content WHERE type = $1 ORDER BY id`, int16(t))
}

// GetByIDs returns the entries with the given ids; unknown ids are skipped.
func (r *ContentRepository) GetByIDs(ctx context.Context, ids []content.ContentID) ([]*content.ContentInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]int64, len(ids))
	for i, id := range ids {
		keys[i] = int64(id)
	}
	return r.query(ctx,
		`SELECT `+contentColumns+` FROM content WHERE id = ANY($1) ORDER BY id`, keys)
}

// GetByExternalIDs returns the entries matching type and unique id. The MD5
// of a key is not compared here; callers filter on it.
func (r *ContentRepository) GetByExternalIDs(ctx context.Context, ids []content.ExternalID) ([]*content.ContentInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	types := make([]int16, len(ids))
	uids := make([]int64, len(ids))
	for i, k := range ids {
		types[i] = int16(k.Type)
		uids[i] = int64(k.UniqueID)
	}
	return r.query(ctx,
		`SELECT `+contentColumns+` FROM content
		 WHERE (type, unique_id) IN (SELECT * FROM unnest($1::smallint[], $2::bigint[]))
		 ORDER BY id`, types, uids)
}

// Upsert inserts or replaces an entry together with its dependencies and tags.
func (r *ContentRepository) Upsert(ctx context.Context, ci *content.ContentInfo) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO content (`+contentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   type = EXCLUDED.type, unique_id = EXCLUDED.unique_id, md5 = EXCLUDED.md5,
		   filename = EXCLUDED.filename, filesize = EXCLUDED.filesize, name = EXCLUDED.name,
		   version = EXCLUDED.version, url = EXCLUDED.url, description = EXCLUDED.description`,
		int64(ci.ID), int16(ci.Type), int64(ci.UniqueID), ci.MD5[:], ci.Filename, int64(ci.FileSize),
		ci.Name, ci.Version, ci.URL, ci.Description); err != nil {
		return fmt.Errorf("upsert content %d: %w", ci.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM content_dependencies WHERE content_id = $1`, int64(ci.ID)); err != nil {
		return fmt.Errorf("delete dependencies of %d: %w", ci.ID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM content_tags WHERE content_id = $1`, int64(ci.ID)); err != nil {
		return fmt.Errorf("delete tags of %d: %w", ci.ID, err)
	}
	for i, dep := range ci.Dependencies {
		if _, err := tx.Exec(ctx,
			`INSERT INTO content_dependencies (content_id, position, dependency_id) VALUES ($1, $2, $3)`,
			int64(ci.ID), int16(i), int64(dep)); err != nil {
			return fmt.Errorf("insert dependency %d of %d: %w", dep, ci.ID, err)
		}
	}
	for i, tag := range ci.Tags {
		if _, err := tx.Exec(ctx,
			`INSERT INTO content_tags (content_id, position, tag) VALUES ($1, $2, $3)`,
			int64(ci.ID), int16(i), tag); err != nil {
			return fmt.Errorf("insert tag %q of %d: %w", tag, ci.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit content tx: %w", err)
	}
	return nil
}

func (r *ContentRepository) query(ctx context.Context, sql string, args ...any) ([]*content.ContentInfo, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query content: %w", err)
	}
	defer rows.Close()

	var result []*content.ContentInfo
	byID := make(map[int64]*content.ContentInfo)
	for rows.Next() {
		var (
			row      contentRow
			id, uid  int64
			typ      int16
			filesize int64
		)
		if err := rows.Scan(&id, &typ, &uid, &row.md5, &row.filename, &filesize,
			&row.name, &row.version, &row.url, &row.description); err != nil {
			return nil, fmt.Errorf("scan content row: %w", err)
		}
		ci := row.info(id, int64(typ), uid, filesize)
		result = append(result, ci)
		byID[id] = ci
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content rows: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	if err := r.loadRelations(ctx, ids, byID); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *ContentRepository) loadRelations(ctx context.Context, ids []int64, byID map[int64]*content.ContentInfo) error {
	rows, err := r.pool.Query(ctx,
		`SELECT content_id, dependency_id FROM content_dependencies
		 WHERE content_id = ANY($1) ORDER BY content_id, position`, ids)
	if err != nil {
		return fmt.Errorf("query dependencies: %w", err)
	}
	deps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([2]int64, error) {
		var pair [2]int64
		err := row.Scan(&pair[0], &pair[1])
		return pair, err
	})
	if err != nil {
		return fmt.Errorf("scan dependency rows: %w", err)
	}
	for _, d := range deps {
		ci := byID[d[0]]
		ci.Dependencies = append(ci.Dependencies, content.ContentID(d[1]))
	}

	rows, err = r.pool.Query(ctx,
		`SELECT content_id, tag FROM content_tags
		 WHERE content_id = ANY($1) ORDER BY content_id, position`, ids)
	if err != nil {
		return fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  int64
			tag string
		)
		if err := rows.Scan(&id, &tag); err != nil {
			return fmt.Errorf("scan tag row: %w", err)
		}
		byID[id].Tags = append(byID[id].Tags, tag)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate tag rows: %w", err)
	}
	return nil
}

// contentRow holds the text columns shared by both SQL dialects.
type contentRow struct {
	md5         []byte
	filename    string
	name        string
	version     string
	url         string
	description string
}

func (row *contentRow) info(id, typ, uid, filesize int64) *content.ContentInfo {
	ci := &content.ContentInfo{
		Type:        content.ContentType(typ),
		ID:          content.ContentID(id),
		FileSize:    uint32(filesize),
		Filename:    row.filename,
		Name:        row.name,
		Version:     row.version,
		URL:         row.url,
		Description: row.description,
		UniqueID:    uint32(uid),
	}
	copy(ci.MD5[:], row.md5)
	return ci
}
