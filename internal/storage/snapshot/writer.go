// Package snapshot writes each store's catalog as a JSON Lines file in a
// local directory. A refresh streams into a temp file that replaces the live
// snapshot by rename only when the store completes.
package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

var validStore = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config captures the snapshot directory.
type Config struct {
	// BaseDir holds <store>.jsonl and <store>.meta.json files.
	BaseDir string `mapstructure:"base_dir"`
}

// Meta is written next to a snapshot when it is committed.
type Meta struct {
	Store            string    `json:"store"`
	ExpectedProducts int       `json:"expected_products"`
	FetchedProducts  int       `json:"fetched_products"`
	Items            int       `json:"items"`
	RefreshedAt      time.Time `json:"refreshed_at"`
}

// Writer is a catalog.Writer over a local directory.
type Writer struct {
	baseDir string
}

// New validates BaseDir, creating it when missing.
func New(cfg Config) (*Writer, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("%s is not a directory", cfg.BaseDir)
	}
	return &Writer{baseDir: cfg.BaseDir}, nil
}

// Path returns the live snapshot path for store.
func (w *Writer) Path(store string) string {
	return filepath.Join(w.baseDir, store+".jsonl")
}

// MetaPath returns the metadata path for store.
func (w *Writer) MetaPath(store string) string {
	return filepath.Join(w.baseDir, store+".meta.json")
}

// Begin opens a temp file for store in the snapshot directory, so the final
// rename stays on one filesystem.
func (w *Writer) Begin(_ context.Context, store string) (catalog.StoreWriter, error) {
	if !validStore.MatchString(store) {
		return nil, fmt.Errorf("invalid store identifier %q", store)
	}
	f, err := os.CreateTemp(w.baseDir, "."+store+".jsonl.tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp snapshot: %w", err)
	}
	return &fileWriter{
		parent: w,
		store:  store,
		file:   f,
		buf:    bufio.NewWriter(f),
		seen:   make(map[string]struct{}),
	}, nil
}

type fileWriter struct {
	parent *Writer
	store  string
	file   *os.File
	buf    *bufio.Writer
	seen   map[string]struct{}
	done   bool
}

// Upsert appends hits not already written in this refresh.
func (f *fileWriter) Upsert(_ context.Context, items []catalog.Hit) error {
	if f.done {
		return errors.New("snapshot writer is closed")
	}
	enc := json.NewEncoder(f.buf)
	for _, hit := range items {
		id := hit.ID()
		if id == "" {
			continue
		}
		if _, dup := f.seen[id]; dup {
			continue
		}
		if err := enc.Encode(hit); err != nil {
			return fmt.Errorf("encode item %s: %w", id, err)
		}
		f.seen[id] = struct{}{}
	}
	return nil
}

// Commit flushes and fsyncs the temp file, then renames it over the live
// snapshot and writes the metadata the same way.
func (f *fileWriter) Commit(_ context.Context, done catalog.CatalogBatch) error {
	if f.done {
		return errors.New("snapshot writer is closed")
	}
	f.done = true
	tmp := f.file.Name()
	if err := f.finish(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, f.parent.Path(f.store)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap snapshot: %w", err)
	}
	meta := Meta{
		Store:            f.store,
		ExpectedProducts: done.ExpectedProducts,
		FetchedProducts:  done.FetchedProducts,
		Items:            len(f.seen),
		RefreshedAt:      time.Now().UTC(),
	}
	return writeFileAtomic(f.parent.MetaPath(f.store), meta)
}

func (f *fileWriter) finish() error {
	if err := f.buf.Flush(); err != nil {
		_ = f.file.Close()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		_ = f.file.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	return nil
}

// Abort discards the temp file.
func (f *fileWriter) Abort(context.Context) error {
	if f.done {
		return nil
	}
	f.done = true
	_ = f.file.Close()
	if err := os.Remove(f.file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temp snapshot: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp %s: %w", filepath.Base(path), err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap %s: %w", filepath.Base(path), err)
	}
	return nil
}
