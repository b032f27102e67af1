// Package postgres implements table.Table on PostgreSQL. Each row keeps the
// two key attributes as columns and the whole item as a JSONB document, so
// the schemaless contract of the original table is preserved.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labcase/labcase/internal/platform/db"
	"github.com/labcase/labcase/internal/platform/table"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations for the records table.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	getSQL = `SELECT attrs FROM records WHERE coleccion_id = $1 AND nombre_coleccion = $2`

	upsertSQL = `INSERT INTO records (coleccion_id, nombre_coleccion, version, attrs, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (coleccion_id, nombre_coleccion)
DO UPDATE SET version = EXCLUDED.version, attrs = EXCLUDED.attrs, updated_at = NOW()`

	// A missing row counts as version 0, so the create-if-absent case is an
	// upsert guarded on the existing version.
	createIfZeroSQL = upsertSQL + ` WHERE records.version = 0`

	casSQL = `UPDATE records SET version = $3, attrs = $4, updated_at = NOW()
WHERE coleccion_id = $1 AND nombre_coleccion = $2 AND version = $5`

	scanSQL = `SELECT attrs FROM records WHERE nombre_coleccion = $1 ORDER BY coleccion_id`
)

// Table is a table.Table over the records table.
type Table struct {
	pool *pgxpool.Pool
}

var (
	_ table.Table   = (*Table)(nil)
	_ table.Ensurer = (*Table)(nil)
	_ table.Pinger  = (*Table)(nil)
)

// New wraps pool.
func New(pool *pgxpool.Pool) *Table {
	return &Table{pool: pool}
}

func (t *Table) GetItem(ctx context.Context, key table.Key) (table.Item, error) {
	var raw []byte
	err := t.pool.QueryRow(ctx, getSQL, key.ID, key.Collection).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return decode(raw)
}

func (t *Table) PutItem(ctx context.Context, item table.Item, cond *table.Condition) error {
	key, err := table.KeyOf(item)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	version := table.VersionOf(item)

	var (
		sql  string
		args = []any{key.ID, key.Collection, version, raw}
	)
	switch {
	case cond == nil:
		sql = upsertSQL
	case cond.Version == 0:
		sql = createIfZeroSQL
	default:
		sql = casSQL
		args = append(args, cond.Version)
	}

	tag, err := t.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	if cond != nil && tag.RowsAffected() == 0 {
		return table.ErrConditionFailed
	}
	return nil
}

func (t *Table) ScanCollection(ctx context.Context, collection string) ([]table.Item, error) {
	rows, err := t.pool.Query(ctx, scanSQL, collection)
	if err != nil {
		return nil, fmt.Errorf("postgres scan %s: %w", collection, err)
	}
	defer rows.Close()

	out := []table.Item{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres scan %s: %w", collection, err)
		}
		item, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres scan %s: %w", collection, err)
	}
	return out, nil
}

// Ensure applies pending schema migrations.
func (t *Table) Ensure(ctx context.Context) error {
	_, err := db.NewMigrator(t.pool, Migrations()).Up(ctx)
	return err
}

func (t *Table) Ping(ctx context.Context) error {
	return t.pool.Ping(ctx)
}

// Stats exposes pool statistics for the store health check.
func (t *Table) Stats() any {
	return db.GetPoolStats(t.pool)
}

func decode(raw []byte) (table.Item, error) {
	var item table.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return item, nil
}
