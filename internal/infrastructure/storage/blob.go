package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/cockroachdb/errors"

	"FilingScanner/internal/domain"
	"FilingScanner/internal/ports"
)

const fsScheme = "file://"

// FSBlobStore keeps blobs under a local root directory.
type FSBlobStore struct {
	root string
}

var _ ports.BlobStore = (*FSBlobStore)(nil)

// NewFSBlobStore creates root if needed.
func NewFSBlobStore(root string) (*FSBlobStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSBlobStore{root: abs}, nil
}

// Put writes data atomically (temp file + rename) and returns a file:// ref.
func (b *FSBlobStore) Put(_ context.Context, key string, data []byte) (string, error) {
	path, err := b.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create blob temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit blob %s: %w", key, err)
	}
	return fsScheme + path, nil
}

// Get reads the blob behind ref.
func (b *FSBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	if !strings.HasPrefix(ref, fsScheme) {
		return nil, fmt.Errorf("blob ref %q is not a file ref", ref)
	}
	path := filepath.Clean(strings.TrimPrefix(ref, fsScheme))
	if !strings.HasPrefix(path, b.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("blob ref %q is outside %s", ref, b.root)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.Newf(domain.ErrNotFound, "blob %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

func (b *FSBlobStore) path(key string) (string, error) {
	path := filepath.Join(b.root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("blob key %q escapes root", key)
	}
	return path, nil
}

// GCSBlobStore keeps blobs in a Cloud Storage bucket.
type GCSBlobStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

var _ ports.BlobStore = (*GCSBlobStore)(nil)

// NewGCSBlobStore uses application default credentials.
func NewGCSBlobStore(ctx context.Context, bucket, prefix string) (*GCSBlobStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Put uploads data and returns a gs:// ref.
func (g *GCSBlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	name := key
	if g.prefix != "" {
		name = g.prefix + "/" + key
	}
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return "gs://" + g.bucket + "/" + name, nil
}

// Get downloads the object behind ref.
func (g *GCSBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, name, ok := strings.Cut(strings.TrimPrefix(ref, "gs://"), "/")
	if !ok || !strings.HasPrefix(ref, "gs://") {
		return nil, fmt.Errorf("blob ref %q is not a gs ref", ref)
	}
	r, err := g.client.Bucket(bucket).Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, domain.Newf(domain.ErrNotFound, "blob %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}

// Close releases the client.
func (g *GCSBlobStore) Close() error {
	return g.client.Close()
}
