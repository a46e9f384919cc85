package engine

import (
	"context"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
)

// Stream is the finite, non-restartable output of one run. It is meant for a
// single consumer:
//
//	for s.Next() {
//		b := s.Batch()
//		...
//	}
//	if err := s.Err(); err != nil { ... }
//
// After a fatal error, batches already buffered are still yielded before Next
// returns false.
type Stream struct {
	out    <-chan catalog.CatalogBatch
	cancel context.CancelFunc
	cur    catalog.CatalogBatch
	err    error
}

// Next blocks until a batch is available or the run has ended.
func (s *Stream) Next() bool {
	b, ok := <-s.out
	if !ok {
		s.cur = catalog.CatalogBatch{}
		return false
	}
	s.cur = b
	return true
}

// Batch returns the batch read by the last successful Next.
func (s *Stream) Batch() catalog.CatalogBatch {
	return s.cur
}

// Err returns the error that ended the run. It is only meaningful once Next
// has returned false.
func (s *Stream) Err() error {
	return s.err
}

// Close abandons the run and waits for its workers to stop.
func (s *Stream) Close() {
	s.cancel()
	for range s.out {
	}
}
