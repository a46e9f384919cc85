// Package postgres persists store catalogs in Postgres. Each refresh writes
// through one transaction, so readers see either the previous catalog or the
// complete new one.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the pool and table names.
type Config struct {
	DSN             string
	ItemsTable      string
	RefreshTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Expected schema:
//
//	CREATE TABLE catalog_items (
//		store        TEXT NOT NULL,
//		object_id    TEXT NOT NULL,
//		payload      JSONB NOT NULL,
//		refreshed_at TIMESTAMPTZ NOT NULL,
//		PRIMARY KEY (store, object_id)
//	);
//	CREATE TABLE catalog_refreshes (
//		store             TEXT NOT NULL,
//		refreshed_at      TIMESTAMPTZ NOT NULL,
//		expected_products INTEGER NOT NULL,
//		fetched_products  INTEGER NOT NULL,
//		coverage          DOUBLE PRECISION NOT NULL,
//		pruned            BIGINT NOT NULL
//	);
const (
	defaultItemsTable   = "catalog_items"
	defaultRefreshTable = "catalog_refreshes"
)

type beginCloser interface {
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// CatalogStore is a catalog.Writer over a pgx pool.
type CatalogStore struct {
	pool         beginCloser
	itemsTable   string
	refreshTable string
	logger       *zap.Logger
	now          func() time.Time
}

// NewCatalogStore connects a pool using cfg.
func NewCatalogStore(ctx context.Context, cfg Config, logger *zap.Logger) (*CatalogStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewCatalogStoreWithPool(pool, cfg.ItemsTable, cfg.RefreshTable, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewCatalogStoreWithPool builds a store from an existing pool (primarily for
// testing).
func NewCatalogStoreWithPool(pool beginCloser, itemsTable, refreshTable string, logger *zap.Logger) (*CatalogStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if itemsTable == "" {
		itemsTable = defaultItemsTable
	}
	if refreshTable == "" {
		refreshTable = defaultRefreshTable
	}
	for _, name := range []string{itemsTable, refreshTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogStore{
		pool:         pool,
		itemsTable:   itemsTable,
		refreshTable: refreshTable,
		logger:       logger.Named("postgres"),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the pool.
func (s *CatalogStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Begin opens the refresh transaction for store.
func (s *CatalogStore) Begin(ctx context.Context, store string) (catalog.StoreWriter, error) {
	if store == "" {
		return nil, errors.New("store is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin refresh for store %s: %w", store, err)
	}
	return &txWriter{parent: s, store: store, tx: tx, refreshedAt: s.now()}, nil
}

type txWriter struct {
	parent      *CatalogStore
	store       string
	tx          pgx.Tx
	refreshedAt time.Time
	done        bool
}

// Upsert writes items in one multi-row statement, keyed by (store, object_id).
func (w *txWriter) Upsert(ctx context.Context, items []catalog.Hit) error {
	if w.done {
		return errors.New("postgres writer is closed")
	}
	ids := make([]string, 0, len(items))
	payloads := make(map[string][]byte, len(items))
	for _, hit := range items {
		id := hit.ID()
		if id == "" {
			continue
		}
		data, err := json.Marshal(hit)
		if err != nil {
			return fmt.Errorf("encode item %s: %w", id, err)
		}
		// ON CONFLICT cannot touch one row twice per statement.
		if _, dup := payloads[id]; !dup {
			ids = append(ids, id)
		}
		payloads[id] = data
	}
	if len(ids) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (store, object_id, payload, refreshed_at) VALUES ", w.parent.itemsTable)
	args := make([]any, 0, len(ids)*4)
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(",")
		}
		n := i * 4
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4)
		args = append(args, w.store, id, payloads[id], w.refreshedAt)
	}
	sb.WriteString(" ON CONFLICT (store, object_id) DO UPDATE SET payload = EXCLUDED.payload, refreshed_at = EXCLUDED.refreshed_at")

	if _, err := w.tx.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d items for store %s: %w", len(ids), w.store, err)
	}
	return nil
}

// Commit prunes rows this refresh did not touch when coverage is complete,
// records the refresh row and commits. Partial refreshes keep stale rows.
func (w *txWriter) Commit(ctx context.Context, done catalog.CatalogBatch) error {
	if w.done {
		return errors.New("postgres writer is closed")
	}
	w.done = true

	var pruned int64
	if done.Coverage() >= 1 {
		tag, err := w.tx.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE store = $1 AND refreshed_at < $2", w.parent.itemsTable),
			w.store, w.refreshedAt,
		)
		if err != nil {
			_ = w.tx.Rollback(ctx)
			return fmt.Errorf("prune store %s: %w", w.store, err)
		}
		pruned = tag.RowsAffected()
	}
	_, err := w.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (store, refreshed_at, expected_products, fetched_products, coverage, pruned)
VALUES ($1,$2,$3,$4,$5,$6)`, w.parent.refreshTable),
		w.store, w.refreshedAt, done.ExpectedProducts, done.FetchedProducts, done.Coverage(), pruned,
	)
	if err != nil {
		_ = w.tx.Rollback(ctx)
		return fmt.Errorf("record refresh for store %s: %w", w.store, err)
	}
	if err := w.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit store %s: %w", w.store, err)
	}
	w.parent.logger.Debug("catalog committed",
		zap.String("store", w.store),
		zap.Int("fetched", done.FetchedProducts),
		zap.Int64("pruned", pruned),
	)
	return nil
}

func (w *txWriter) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback store %s: %w", w.store, err)
	}
	return nil
}
