// Package mirror uploads published artifacts and feed documents to an object
// storage bucket, so feeds can be served from a host other than the packager.
package mirror

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver (also B2/R2/MinIO via endpoint)
)

// Config configures the optional feed mirror.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	BucketURL string `yaml:"bucket_url"` // e.g. "s3://bucket?region=us-east-1", "gs://bucket", "file:///srv/feeds"
	Prefix    string `yaml:"prefix"`
}

// Mirror copies local files into a blob bucket.
type Mirror struct {
	bucket *blob.Bucket
	prefix string
}

// Open connects to the configured bucket. Returns (nil, nil) when the mirror
// is disabled so callers can treat it as absent.
func Open(ctx context.Context, cfg Config) (*Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.BucketURL == "" {
		return nil, fmt.Errorf("mirror enabled but bucket_url is empty")
	}
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.BucketURL, err)
	}
	return &Mirror{bucket: bucket, prefix: cfg.Prefix}, nil
}

// Upload copies one local file to <prefix><key> in the bucket.
func (m *Mirror) Upload(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	fullKey := m.prefix + strings.TrimPrefix(key, "/")
	w, err := m.bucket.NewWriter(ctx, fullKey, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", fullKey, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", fullKey, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", fullKey, err)
	}
	return nil
}

// Close releases the bucket connection.
func (m *Mirror) Close() error {
	return m.bucket.Close()
}
