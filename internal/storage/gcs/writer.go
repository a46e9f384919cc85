// Package gcs uploads store catalogs to Google Cloud Storage as JSON Lines
// objects. An upload only becomes a visible object when it is finalized on
// commit; aborting cancels it.
package gcs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Config captures the bucket and object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// Writer is a catalog.Writer over a GCS bucket.
type Writer struct {
	client *storage.Client
	bucket string
	prefix string
}

// New validates cfg.
func New(client *storage.Client, cfg Config) (*Writer, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &Writer{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// ObjectName returns the object holding store's catalog.
func (w *Writer) ObjectName(store string) string {
	return path.Join(w.prefix, store+".jsonl")
}

// Begin starts a streaming upload for store. ctx bounds the whole upload.
func (w *Writer) Begin(ctx context.Context, store string) (catalog.StoreWriter, error) {
	if strings.TrimSpace(store) == "" || strings.Contains(store, "/") {
		return nil, fmt.Errorf("invalid store identifier %q", store)
	}
	uploadCtx, cancel := context.WithCancel(ctx)
	obj := w.client.Bucket(w.bucket).Object(w.ObjectName(store))
	ow := obj.NewWriter(uploadCtx)
	ow.ContentType = "application/x-ndjson"
	return &objectWriter{
		obj:    obj,
		ow:     ow,
		buf:    bufio.NewWriter(ow),
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}, nil
}

type objectWriter struct {
	obj    *storage.ObjectHandle
	ow     *storage.Writer
	buf    *bufio.Writer
	cancel context.CancelFunc
	seen   map[string]struct{}
	done   bool
}

func (o *objectWriter) Upsert(_ context.Context, items []catalog.Hit) error {
	if o.done {
		return errors.New("gcs writer is closed")
	}
	enc := json.NewEncoder(o.buf)
	for _, hit := range items {
		id := hit.ID()
		if id == "" {
			continue
		}
		if _, dup := o.seen[id]; dup {
			continue
		}
		if err := enc.Encode(hit); err != nil {
			return fmt.Errorf("write item %s: %w", id, err)
		}
		o.seen[id] = struct{}{}
	}
	return nil
}

// Commit finalizes the object and then attaches the refresh counts as
// metadata.
func (o *objectWriter) Commit(ctx context.Context, done catalog.CatalogBatch) error {
	if o.done {
		return errors.New("gcs writer is closed")
	}
	o.done = true
	defer o.cancel()
	if err := o.buf.Flush(); err != nil {
		o.cancel()
		_ = o.ow.Close()
		return fmt.Errorf("flush object: %w", err)
	}
	if err := o.ow.Close(); err != nil {
		return fmt.Errorf("finalize object: %w", err)
	}
	_, err := o.obj.Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{
			"store":             done.Store,
			"expected_products": strconv.Itoa(done.ExpectedProducts),
			"fetched_products":  strconv.Itoa(done.FetchedProducts),
			"items":             strconv.Itoa(len(o.seen)),
			"refreshed_at":      time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("update object metadata: %w", err)
	}
	return nil
}

// Abort cancels the upload; nothing is finalized.
func (o *objectWriter) Abort(context.Context) error {
	if o.done {
		return nil
	}
	o.done = true
	o.cancel()
	_ = o.ow.Close()
	return nil
}
