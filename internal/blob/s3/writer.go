package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/collectex/internal/domain"
)

const (
	// S3 rejects multipart parts below 5 MiB.
	minPartSize int64 = 5 << 20
	// Objects larger than this go through the multipart uploader.
	multipartThreshold int64 = 16 << 20
)

// Writer implements domain.BlobWriter on an S3-compatible bucket.
type Writer struct {
	client *s3.Client
	bucket string
}

func NewWriter(c *Client) *Writer {
	return &Writer{client: c.S3(), bucket: c.Bucket()}
}

// Put stores data under obj.Path. Objects of unknown size or above
// multipartThreshold are streamed in parts; the rest use one PutObject.
func (w *Writer) Put(ctx context.Context, obj domain.BlobObject, data io.Reader) error {
	if obj.Path == "" {
		return fmt.Errorf("s3blob: put: %w: empty path", domain.ErrValidation)
	}
	in := &s3.PutObjectInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(obj.Path),
		Body:     data,
		Metadata: obj.Metadata,
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}

	if obj.Size > 0 && obj.Size <= multipartThreshold {
		in.ContentLength = aws.Int64(obj.Size)
		if _, err := w.client.PutObject(ctx, in); err != nil {
			return fmt.Errorf("s3blob: put %s: %w", obj.Path, err)
		}
		return nil
	}

	uploader := manager.NewUploader(w.client, func(u *manager.Uploader) {
		u.PartSize = minPartSize
	})
	if _, err := uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("s3blob: multipart put %s: %w", obj.Path, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
