// Package gcs is a Google Cloud Storage backed archive store for
// multi-host deployments.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/firmflow/engine/internal/domain"
)

// Store keeps archived documents as objects in one bucket. Keys map to
// object names unchanged.
type Store struct {
	client *storage.Client
	bucket string
}

// NewStore creates a GCS store. It assumes the client is authenticated, for
// example via GOOGLE_APPLICATION_CREDENTIALS.
func NewStore(ctx context.Context, bucketName string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{
		client: client,
		bucket: bucketName,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Put writes data under key, replacing any previous object.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write archive object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive object: %w", err)
	}
	return nil
}

// Get reads the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: archive key %s", domain.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read archive object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive object: %w", err)
	}
	return data, nil
}

// List returns every object name under prefix, in the bucket's lexical
// order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list archive objects: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
