// Package sqlite writes each store's catalog to its own SQLite database file
// using the pure-Go modernc driver. A refresh builds a fresh database beside
// the live one and renames it into place on commit.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

var validStore = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// The temp database is renamed after close, so it must not use WAL.
var pragmas = []string{
	"PRAGMA journal_mode=DELETE",
	"PRAGMA synchronous=FULL",
	"PRAGMA busy_timeout=10000",
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
	object_id TEXT PRIMARY KEY,
	payload   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS refresh (
	store             TEXT NOT NULL,
	expected_products INTEGER NOT NULL,
	fetched_products  INTEGER NOT NULL,
	refreshed_at      TEXT NOT NULL
);`

const upsertItem = `INSERT INTO items (object_id, payload) VALUES (?, ?)
ON CONFLICT(object_id) DO UPDATE SET payload = excluded.payload`

// Config captures the database directory.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// Writer is a catalog.Writer producing <store>.db files.
type Writer struct {
	baseDir string
}

// New validates the directory, creating it when missing.
func New(cfg Config) (*Writer, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &Writer{baseDir: cfg.BaseDir}, nil
}

// Path returns the live database path for store.
func (w *Writer) Path(store string) string {
	return filepath.Join(w.baseDir, store+".db")
}

// Open opens a database file with the writer's pragmas applied.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Begin creates the temp database and opens the single transaction the
// refresh writes through.
func (w *Writer) Begin(ctx context.Context, store string) (catalog.StoreWriter, error) {
	if !validStore.MatchString(store) {
		return nil, fmt.Errorf("invalid store identifier %q", store)
	}
	f, err := os.CreateTemp(w.baseDir, "."+store+".db.tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp database: %w", err)
	}
	tmp := f.Name()
	_ = f.Close()

	db, err := Open(ctx, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("create schema: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		_ = db.Close()
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, upsertItem)
	if err != nil {
		_ = tx.Rollback()
		_ = db.Close()
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}
	return &dbWriter{parent: w, store: store, tmp: tmp, db: db, tx: tx, upsert: stmt}, nil
}

type dbWriter struct {
	parent *Writer
	store  string
	tmp    string
	db     *sql.DB
	tx     *sql.Tx
	upsert *sql.Stmt
	done   bool
}

func (d *dbWriter) Upsert(ctx context.Context, items []catalog.Hit) error {
	if d.done {
		return errors.New("sqlite writer is closed")
	}
	for _, hit := range items {
		id := hit.ID()
		if id == "" {
			continue
		}
		payload, err := json.Marshal(hit)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", id, err)
		}
		if _, err := d.upsert.ExecContext(ctx, id, string(payload)); err != nil {
			return fmt.Errorf("upsert item %s: %w", id, err)
		}
	}
	return nil
}

func (d *dbWriter) Commit(ctx context.Context, done catalog.CatalogBatch) error {
	if d.done {
		return errors.New("sqlite writer is closed")
	}
	d.done = true
	_, err := d.tx.ExecContext(ctx,
		`INSERT INTO refresh (store, expected_products, fetched_products, refreshed_at) VALUES (?, ?, ?, ?)`,
		d.store, done.ExpectedProducts, done.FetchedProducts, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		d.discard()
		return fmt.Errorf("record refresh: %w", err)
	}
	_ = d.upsert.Close()
	if err := d.tx.Commit(); err != nil {
		_ = d.db.Close()
		_ = os.Remove(d.tmp)
		return fmt.Errorf("commit catalog: %w", err)
	}
	if err := d.db.Close(); err != nil {
		_ = os.Remove(d.tmp)
		return fmt.Errorf("close catalog: %w", err)
	}
	if err := os.Rename(d.tmp, d.parent.Path(d.store)); err != nil {
		_ = os.Remove(d.tmp)
		return fmt.Errorf("swap catalog: %w", err)
	}
	return nil
}

func (d *dbWriter) Abort(context.Context) error {
	if d.done {
		return nil
	}
	d.done = true
	d.discard()
	return nil
}

func (d *dbWriter) discard() {
	_ = d.upsert.Close()
	_ = d.tx.Rollback()
	_ = d.db.Close()
	_ = os.Remove(d.tmp)
}
