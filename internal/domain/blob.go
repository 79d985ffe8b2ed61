package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter writes objects to external blob storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, body io.Reader, contentType string) error
}

// BlobReader reads objects from external blob storage.
type BlobReader interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver exports settled data (resolved claims, audit batches) to blob
// storage for long-term retention.
type Archiver interface {
	ArchiveResolvedClaims(ctx context.Context, until time.Time) (int, error)
	ArchiveAudit(ctx context.Context, until time.Time) (int, error)
}
