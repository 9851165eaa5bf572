package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSBlobStore implements BlobStore on a Google Cloud Storage bucket.
type GCSBlobStore struct {
	bucket *storage.BucketHandle
}

// NewGCSBlobStore wraps an existing GCS client and bucket name.
func NewGCSBlobStore(client *storage.Client, bucket string) *GCSBlobStore {
	return &GCSBlobStore{bucket: client.Bucket(bucket)}
}

// Upload streams content into the object at path, replacing any prior object.
func (s *GCSBlobStore) Upload(ctx context.Context, path string, content io.Reader) (*BlobMetadata, error) {
	w := s.bucket.Object(path).NewWriter(ctx)
	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write gcs object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close gcs object %s: %w", path, err)
	}
	attrs := w.Attrs()
	return &BlobMetadata{
		Path:      path,
		Size:      attrs.Size,
		Hash:      fmt.Sprintf("%x", attrs.MD5),
		UpdatedAt: attrs.Updated,
	}, nil
}

// Download opens a reader over the object at path.
func (s *GCSBlobStore) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open gcs object %s: %w", path, err)
	}
	return r, nil
}

// Exists reports whether the object at path exists.
func (s *GCSBlobStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.bucket.Object(path).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat gcs object %s: %w", path, err)
	}
	return true, nil
}

// List returns the names of all objects under prefix, sorted.
func (s *GCSBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var paths []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gcs prefix %s: %w", prefix, err)
		}
		paths = append(paths, attrs.Name)
	}
	sort.Strings(paths)
	return paths, nil
}

// Delete removes the object at path.
func (s *GCSBlobStore) Delete(ctx context.Context, path string) error {
	err := s.bucket.Object(path).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrBlobNotFound
	}
	return err
}
