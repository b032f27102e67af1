// Package sqlite implements table.Table on a single-file SQLite database for
// single-node deployments. Items are stored as JSON text next to their key
// columns.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/labcase/labcase/internal/platform/table"
)

const schema = `CREATE TABLE IF NOT EXISTS records (
	coleccion_id     TEXT    NOT NULL,
	nombre_coleccion TEXT    NOT NULL,
	version          INTEGER NOT NULL DEFAULT 0,
	attrs            TEXT    NOT NULL,
	PRIMARY KEY (coleccion_id, nombre_coleccion)
);
CREATE INDEX IF NOT EXISTS records_collection_idx ON records (nombre_coleccion);`

const (
	getSQL    = `SELECT attrs FROM records WHERE coleccion_id = ? AND nombre_coleccion = ?`
	upsertSQL = `INSERT INTO records (coleccion_id, nombre_coleccion, version, attrs) VALUES (?, ?, ?, ?)
ON CONFLICT (coleccion_id, nombre_coleccion) DO UPDATE SET version = excluded.version, attrs = excluded.attrs`
	createIfZeroSQL = upsertSQL + ` WHERE records.version = 0`
	casSQL          = `UPDATE records SET version = ?, attrs = ? WHERE coleccion_id = ? AND nombre_coleccion = ? AND version = ?`
	scanSQL         = `SELECT attrs FROM records WHERE nombre_coleccion = ? ORDER BY coleccion_id`
)

// Table is a table.Table over a SQLite file.
type Table struct {
	db *sql.DB
}

var (
	_ table.Table   = (*Table)(nil)
	_ table.Ensurer = (*Table)(nil)
	_ table.Pinger  = (*Table)(nil)
)

// Open opens (creating directories as needed) the database at path and
// ensures the schema.
func Open(ctx context.Context, path string) (*Table, error) {
	if path == "" {
		path = "labcase.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection keeps conditional writes and
	// in-memory databases consistent.
	db.SetMaxOpenConns(1)
	t := &Table{db: db}
	if err := t.Ensure(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Table) GetItem(ctx context.Context, key table.Key) (table.Item, error) {
	var raw string
	err := t.db.QueryRowContext(ctx, getSQL, key.ID, key.Collection).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
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

	var res sql.Result
	switch {
	case cond == nil:
		res, err = t.db.ExecContext(ctx, upsertSQL, key.ID, key.Collection, version, string(raw))
	case cond.Version == 0:
		res, err = t.db.ExecContext(ctx, createIfZeroSQL, key.ID, key.Collection, version, string(raw))
	default:
		res, err = t.db.ExecContext(ctx, casSQL, version, string(raw), key.ID, key.Collection, cond.Version)
	}
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", key, err)
	}
	if cond != nil {
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite put %s: %w", key, err)
		}
		if n == 0 {
			return table.ErrConditionFailed
		}
	}
	return nil
}

func (t *Table) ScanCollection(ctx context.Context, collection string) ([]table.Item, error) {
	rows, err := t.db.QueryContext(ctx, scanSQL, collection)
	if err != nil {
		return nil, fmt.Errorf("sqlite scan %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	out := []table.Item{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite scan %s: %w", collection, err)
		}
		item, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Ensure creates the records table if needed.
func (t *Table) Ensure(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create records table: %w", err)
	}
	return nil
}

func (t *Table) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

// Close releases the database handle.
func (t *Table) Close() error {
	return t.db.Close()
}

func decode(raw string) (table.Item, error) {
	var item table.Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return item, nil
}
