package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/neuroscan/internal/common"
)

// Store persists artifacts under bucket/path keys and returns a public URL.
type Store interface {
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, bucket, key string) error
}

// FSStore keeps objects on the local filesystem under Root/bucket/key and
// serves them from BaseURL/bucket/key.
type FSStore struct {
	Root    string
	BaseURL string
	logger  *slog.Logger
}

func NewFSStore(root, baseURL string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FSStore{Root: abs, BaseURL: strings.TrimRight(baseURL, "/"), logger: logger}, nil
}

// Path resolves bucket/key to a file below Root. Keys escaping the bucket
// are rejected.
func (s *FSStore) Path(bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("bucket %q: %w", bucket, common.ErrInvalidInput)
	}
	clean := path.Clean("/" + strings.ReplaceAll(key, `\`, "/"))
	if clean == "/" {
		return "", fmt.Errorf("empty key: %w", common.ErrInvalidInput)
	}
	return filepath.Join(s.Root, bucket, filepath.FromSlash(clean)), nil
}

func (s *FSStore) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := s.Path(bucket, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	// write then rename so readers never see a partial object
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	u := s.URL(bucket, key)
	s.logger.Debug("storage.upload.ok", "bucket", bucket, "key", key, "bytes", len(data), "content_type", contentType)
	return u, nil
}

// Delete removes an object; a missing object is not an error.
func (s *FSStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.Path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.logger.Debug("storage.delete.ok", "bucket", bucket, "key", key)
	return nil
}

// URL is the public address of bucket/key.
func (s *FSStore) URL(bucket, key string) string {
	parts := strings.Split(strings.Trim(path.Clean("/"+key), "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.BaseURL + "/" + url.PathEscape(bucket) + "/" + strings.Join(parts, "/")
}

// ParseURL maps a URL produced by URL back to bucket and key.
func (s *FSStore) ParseURL(u string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(u, s.BaseURL+"/")
	if !found {
		return "", "", false
	}
	bucket, escKey, found := strings.Cut(rest, "/")
	if !found {
		return "", "", false
	}
	k, err := url.PathUnescape(escKey)
	if err != nil {
		return "", "", false
	}
	return bucket, k, true
}
