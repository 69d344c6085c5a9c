package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/derbylabs/derbybot/internal/domain"
)

// SnapshotArchiveStore provides the read access the archiver needs. The
// Postgres price history store satisfies it; the archiver does not need the
// full domain.PriceHistoryStore surface.
type SnapshotArchiveStore interface {
	// ListBefore returns all snapshots created strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.PriceSnapshotRow, error)
}

// multipartWriter is the optional large-payload path. The s3 Writer
// implements it; plain domain.BlobWriter implementations fall back to Put.
type multipartWriter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// multipartThreshold is the payload size at which uploads switch to the
// concurrent multipart path. Months of snapshots on busy markets exceed it.
const multipartThreshold int64 = 8 * 1024 * 1024

// ArchiveImpl implements domain.Archiver by querying old price snapshots,
// serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	snapshots SnapshotArchiveStore
	logger    *slog.Logger

	// multipartMin is the upload size that triggers the multipart path.
	multipartMin int64
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, snapshots SnapshotArchiveStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer:       writer,
		snapshots:    snapshots,
		logger:       logger.With(slog.String("component", "archiver")),
		multipartMin: multipartThreshold,
	}
}

// ArchivePrices queries all price snapshots before the cutoff, serializes
// them to JSONL, and uploads the file to S3 at
// archive/prices/YYYY-MM.jsonl. Returns the count of archived rows.
func (a *ArchiveImpl) ArchivePrices(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.snapshots.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive prices query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive prices marshal: %w", err)
	}

	path := archivePath("prices", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive prices upload: %w", err)
	}

	count := int64(len(rows))
	a.logger.InfoContext(ctx, "price snapshots archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Time("before", before),
	)
	return count, nil
}

// upload writes the payload through the single-shot path, switching to the
// multipart path for large exports when the writer supports it.
func (a *ArchiveImpl) upload(ctx context.Context, path string, payload []byte) error {
	const contentType = "application/x-ndjson"

	if mw, ok := a.writer.(multipartWriter); ok && int64(len(payload)) >= a.multipartMin {
		return mw.PutMultipart(ctx, path, bytes.NewReader(payload), contentType, 0)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(payload), contentType)
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/prices/2025-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
