package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/coverpool/coverd/internal/domain"
)

// Writer implements domain.BlobWriter using an S3-compatible backend. Uploads
// go through the transfer manager so large archive batches are split into
// multipart uploads automatically.
type Writer struct {
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a new Writer that uploads objects to the given client's
// configured bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		uploader: manager.NewUploader(c.S3()),
		bucket:   c.Bucket(),
	}
}

// Write streams body to the object at key.
func (w *Writer) Write(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BlobWriter = (*Writer)(nil)
