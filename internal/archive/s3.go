package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds configuration for S3Bucket.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // MinIO, LocalStack, ...
	PathStyle bool
}

// S3Bucket archives to AWS S3 or an S3-compatible store.
type S3Bucket struct {
	client *s3.Client
	bucket string
}

// NewS3Bucket loads the default AWS credential chain.
func NewS3Bucket(ctx context.Context, cfg S3Config) (*S3Bucket, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3BucketFromConfig(awsCfg, cfg), nil
}

// NewS3BucketFromConfig builds the client from an explicit aws.Config.
func NewS3BucketFromConfig(awsCfg aws.Config, cfg S3Config) *S3Bucket {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
	})
	return &S3Bucket{client: client, bucket: cfg.Bucket}
}

func (b *S3Bucket) Backend() string { return BackendS3 }

func (b *S3Bucket) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (b *S3Bucket) Close() error { return nil }
