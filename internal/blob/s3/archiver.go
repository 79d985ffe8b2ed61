package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coverpool/coverd/internal/domain"
)

// ArchiveImpl implements domain.Archiver by querying the stores for settled
// records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of archived records from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer domain.BlobWriter
	claims domain.ClaimStore
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, claims domain.ClaimStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		claims: claims,
		audit:  audit,
	}
}

// ArchiveResolvedClaims collects claims resolved up to the cutoff, serializes
// them to JSONL, and uploads the batch to archive/claims/YYYY-MM.jsonl. The
// archival event is recorded in the audit log and the count of archived
// records is returned.
func (a *ArchiveImpl) ArchiveResolvedClaims(ctx context.Context, until time.Time) (int, error) {
	opts := domain.ListOpts{Until: &until}

	approved, err := a.claims.ListByStatus(ctx, domain.ClaimStatusApproved, opts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive claims query approved: %w", err)
	}
	rejected, err := a.claims.ListByStatus(ctx, domain.ClaimStatusRejected, opts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive claims query rejected: %w", err)
	}

	claims := append(approved, rejected...)
	if len(claims) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(claims)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive claims marshal: %w", err)
	}

	path := archivePath("claims", until)
	if err := a.writer.Write(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive claims upload: %w", err)
	}

	count := len(claims)

	if err := a.audit.Log(ctx, "archive.claims", map[string]any{
		"path":  path,
		"count": count,
		"until": until.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive claims audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit collects audit entries up to the cutoff, serializes them to
// JSONL, and uploads the batch to archive/audit/YYYY-MM.jsonl. Returns the
// count of archived records.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, until time.Time) (int, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &until})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", until)
	if err := a.writer.Write(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	return len(entries), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/claims/2026-08.jsonl
//	archive/audit/2026-08.jsonl
func archivePath(kind string, until time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, until.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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
