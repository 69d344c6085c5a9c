package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver exports aged price history out of the primary store.
type Archiver interface {
	// ArchivePrices uploads all price snapshots older than the cutoff and
	// returns the number of rows archived. Deleting the archived rows from
	// the primary store is a separate, explicit step.
	ArchivePrices(ctx context.Context, before time.Time) (int64, error)
}
