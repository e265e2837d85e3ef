package archive

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSBucket archives to Google Cloud Storage.
type GCSBucket struct {
	client *storage.Client
	bucket string
}

// NewGCSBucket uses application default credentials unless opts say otherwise.
func NewGCSBucket(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSBucket, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSBucket{client: client, bucket: bucket}, nil
}

func (b *GCSBucket) Backend() string { return BackendGCS }

func (b *GCSBucket) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) error {
	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (b *GCSBucket) Close() error {
	return b.client.Close()
}
