package zarr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
)

const GCSStoreType = "GCSStore"

// DefaultGCSTimeout bounds each object read or write
const DefaultGCSTimeout = 30 * time.Second

// GCSStore keeps keys as objects below a prefix of a Cloud Storage bucket
type GCSStore struct {
	bucket  *storage.BucketHandle
	prefix  string
	timeout time.Duration
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore uses client to reach bucket. Objects are named prefix/key.
func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	return &GCSStore{
		bucket:  client.Bucket(bucket),
		prefix:  prefix,
		timeout: DefaultGCSTimeout,
	}
}

// WithTimeout returns a copy bounding each request by d
func (s *GCSStore) WithTimeout(d time.Duration) *GCSStore {
	c := *s
	c.timeout = d
	return &c
}

func (s *GCSStore) Type() string { return GCSStoreType }

func (s *GCSStore) object(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *GCSStore) Get(key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	r, err := s.bucket.Object(s.object(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotfound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading gs object %s: %w", s.object(key), err)
	}
	defer r.Close()
	// read fully before the request context is cancelled
	d, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading gs object %s: %w", s.object(key), err)
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}

func (s *GCSStore) Put(key string, val io.Reader) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	w := s.bucket.Object(s.object(key)).NewWriter(ctx)
	if _, err := io.Copy(w, val); err != nil {
		w.Close()
		return fmt.Errorf("writing gs object %s: %w", s.object(key), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing gs object %s: %w", s.object(key), err)
	}
	return nil
}
