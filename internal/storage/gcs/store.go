// Package gcs stores exported items in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket to write to.
type Config struct {
	Bucket string
}

// Store writes items to a bucket.
type Store struct {
	client *storage.Client
	bucket string
	owned  bool
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Open creates a client from Application Default Credentials and fails fast
// when the bucket is missing or inaccessible. Close releases the client.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		return nil, errors.Join(
			fmt.Errorf("bucket %q attributes: %w", cfg.Bucket, err),
			client.Close(),
		)
	}
	s, err := New(client, cfg)
	if err != nil {
		return nil, errors.Join(err, client.Close())
	}
	s.owned = true
	return s, nil
}

// PutObject uploads r and returns a gs:// URI.
func (s *Store) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		return "", errors.Join(fmt.Errorf("upload %s: %w", path, err), writer.Close())
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Close releases the client when Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
