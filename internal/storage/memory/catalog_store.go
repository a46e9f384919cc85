// Package memory keeps catalogs and refresh runs in process memory, for
// development and tests.
package memory

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// CatalogStore is a catalog.Writer whose refreshes replace a store's
// catalog wholesale on commit.
type CatalogStore struct {
	mu       sync.RWMutex
	catalogs map[string]map[string]catalog.Hit
	results  map[string]catalog.CatalogBatch
}

// NewCatalogStore constructs an empty CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		catalogs: make(map[string]map[string]catalog.Hit),
		results:  make(map[string]catalog.CatalogBatch),
	}
}

// Begin opens a staging area for store.
func (s *CatalogStore) Begin(_ context.Context, store string) (catalog.StoreWriter, error) {
	if store == "" {
		return nil, errors.New("store is required")
	}
	return &storeWriter{parent: s, store: store, items: make(map[string]catalog.Hit)}, nil
}

// Items returns the committed catalog for store.
func (s *CatalogStore) Items(store string) map[string]catalog.Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.catalogs[store])
}

// LastRefresh returns the Done marker of the last committed refresh.
func (s *CatalogStore) LastRefresh(store string) (catalog.CatalogBatch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.results[store]
	return b, ok
}

type storeWriter struct {
	parent *CatalogStore
	store  string
	items  map[string]catalog.Hit
	closed bool
}

func (w *storeWriter) Upsert(_ context.Context, items []catalog.Hit) error {
	if w.closed {
		return errors.New("writer is closed")
	}
	for _, hit := range items {
		if id := hit.ID(); id != "" {
			w.items[id] = hit
		}
	}
	return nil
}

func (w *storeWriter) Commit(_ context.Context, done catalog.CatalogBatch) error {
	if w.closed {
		return errors.New("writer is closed")
	}
	w.closed = true
	w.parent.mu.Lock()
	defer w.parent.mu.Unlock()
	w.parent.catalogs[w.store] = w.items
	w.parent.results[w.store] = done
	return nil
}

func (w *storeWriter) Abort(context.Context) error {
	w.closed = true
	w.items = nil
	return nil
}
