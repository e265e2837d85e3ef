// Package archive copies a run's documents to object storage under
// {prefix}/{YYYY-MM-DD}/{name}.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"dsdreports/internal/config"
	"dsdreports/internal/infrastructure"
)

// Backends.
const (
	BackendNone = "none"
	BackendS3   = "s3"
	BackendGCS  = "gcs"
)

// Bucket stores objects by key.
type Bucket interface {
	Backend() string
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Close() error
}

// Object is one archived file.
type Object struct {
	Path string `json:"path"`
	Key  string `json:"key"`
}

// Archiver uploads files one by one. A failed upload does not stop the rest.
type Archiver struct {
	bucket Bucket
	prefix string
	logger *slog.Logger
}

// New creates an Archiver. A nil bucket archives nothing.
func New(bucket Bucket, prefix string, logger *slog.Logger) *Archiver {
	return &Archiver{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: infrastructure.WithComponent(logger, "archive"),
	}
}

// FromConfig builds the configured backend. Backend none yields a no-op
// Archiver.
func FromConfig(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	var (
		b   Bucket
		err error
	)
	switch cfg.Backend {
	case BackendNone, "":
	case BackendS3:
		b, err = NewS3Bucket(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	case BackendGCS:
		b, err = NewGCSBucket(ctx, cfg.Bucket)
	default:
		err = fmt.Errorf("unsupported archive backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return New(b, cfg.Prefix, logger), nil
}

// Enabled reports whether a backend is configured.
func (a *Archiver) Enabled() bool { return a.bucket != nil }

// Key is the object key of name for a run on date.
func (a *Archiver) Key(date time.Time, name string) string {
	parts := []string{date.Format("2006-01-02"), name}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}

// Upload archives every path. It returns the objects written and the
// joined upload errors.
func (a *Archiver) Upload(ctx context.Context, date time.Time, paths []string) ([]Object, error) {
	if !a.Enabled() {
		return nil, nil
	}
	var (
		out  []Object
		errs []error
	)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		key := a.Key(date, filepath.Base(p))
		if err := a.put(ctx, p, key); err != nil {
			a.logger.WarnContext(ctx, "Archive upload failed",
				slog.String("path", p),
				slog.String("key", key),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("archive %s: %w", p, err))
			continue
		}
		out = append(out, Object{Path: p, Key: key})
	}
	a.logger.InfoContext(ctx, "Archive finished",
		slog.String("backend", a.bucket.Backend()),
		slog.Int("uploaded", len(out)),
		slog.Int("failed", len(errs)))
	return out, errors.Join(errs...)
}

func (a *Archiver) put(ctx context.Context, p, key string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	ctype := mime.TypeByExtension(filepath.Ext(p))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return a.bucket.Put(ctx, key, f, info.Size(), ctype)
}

// Close releases the backend client.
func (a *Archiver) Close() error {
	if a.bucket == nil {
		return nil
	}
	return a.bucket.Close()
}
