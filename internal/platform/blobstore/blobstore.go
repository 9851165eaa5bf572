// Package blobstore provides object storage for payer accumulation files.
// It defines the BlobStore interface, an in-memory implementation suitable
// for testing and development, and a Google Cloud Storage implementation.
//
// Destination keys are deterministic from the source filename (raw/<name>,
// decrypted/<name>), so re-uploading the same file is idempotent: the second
// write replaces the blob with identical content.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrBlobNotFound is returned when no object exists at the given path.
var ErrBlobNotFound = errors.New("blob not found")

// BlobMetadata describes a stored object.
type BlobMetadata struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BlobStore defines the contract for object storage backends.
type BlobStore interface {
	Upload(ctx context.Context, path string, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, path string) error
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	meta    BlobMetadata
	content []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob

	// uploads records every Upload call in order, for idempotency assertions.
	uploads []string
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: make(map[string]*storedBlob)}
}

// Upload reads the content, computes a SHA-256 hash, and stores the blob in
// memory. Uploading to an existing path replaces the previous object.
func (s *InMemoryBlobStore) Upload(_ context.Context, path string, content io.Reader) (*BlobMetadata, error) {
	if path == "" {
		return nil, fmt.Errorf("blobstore: path is required")
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	h := sha256.Sum256(data)
	meta := BlobMetadata{
		Path:      path,
		Size:      int64(len(data)),
		Hash:      fmt.Sprintf("%x", h),
		UpdatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[path] = &storedBlob{meta: meta, content: data}
	s.uploads = append(s.uploads, path)
	s.mu.Unlock()

	out := meta
	return &out, nil
}

// Download returns an io.ReadCloser over the object content.
func (s *InMemoryBlobStore) Download(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	blob, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(blob.content)), nil
}

// Exists reports whether an object is stored at path.
func (s *InMemoryBlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[path]
	return ok, nil
}

// List returns the paths of all objects under the given prefix, sorted.
func (s *InMemoryBlobStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var paths []string
	for p := range s.blobs {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Delete removes the object at path.
func (s *InMemoryBlobStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[path]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, path)
	return nil
}

// UploadCount returns how many times Upload was called for path.
func (s *InMemoryBlobStore) UploadCount(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.uploads {
		if p == path {
			n++
		}
	}
	return n
}

// Metadata returns the stored metadata for path, or nil when absent.
func (s *InMemoryBlobStore) Metadata(path string) *BlobMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[path]
	if !ok {
		return nil
	}
	m := blob.meta
	return &m
}
