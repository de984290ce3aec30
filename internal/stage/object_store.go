package stage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nucleus/sync-core/internal/core"
)

// ObjectStore is the minimal object-storage surface staging needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// LocalStore keeps objects on disk, one directory per bucket.
type LocalStore struct {
	root string
}

var _ ObjectStore = (*LocalStore)(nil)

// NewLocalStore creates a local object store rooted at dir.
func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "sync-core-stage")
	}
	_ = os.MkdirAll(root, 0o755)
	return &LocalStore{root: root}
}

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" {
		return core.Wrap(CodeBucketNotFound, false, os.ErrNotExist)
	}
	return os.MkdirAll(s.bucketPath(bucket), 0o755)
}

func (s *LocalStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	fullPath := s.objectPath(bucket, key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return core.Wrap(CodePermissionDenied, false, err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return core.Wrap(CodeStageWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, core.Wrap(CodeBucketNotFound, false, os.ErrNotExist)
	}
	data, err := os.ReadFile(s.objectPath(bucket, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, core.Wrap(CodeObjectNotFound, false, err)
		}
		return nil, core.Wrap(CodeStageReadFailed, true, err)
	}
	return data, nil
}

func (s *LocalStore) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, core.Wrap(CodeBucketNotFound, false, os.ErrNotExist)
	}
	base := s.bucketPath(bucket)

	var keys []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, core.Wrap(CodeStageReadFailed, true, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" || key == "" {
		return core.Wrap(CodeBucketNotFound, false, fmt.Errorf("bucket/key is required"))
	}
	if err := os.Remove(s.objectPath(bucket, key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return core.Wrap(CodeStageWriteFailed, true, err)
	}
	return nil
}

func (s *LocalStore) bucketPath(bucket string) string {
	return filepath.Join(s.root, sanitizePath(bucket))
}

func (s *LocalStore) objectPath(bucket, key string) string {
	return filepath.Join(s.bucketPath(bucket), filepath.FromSlash(key))
}

func sanitizePath(raw string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return replacer.Replace(raw)
}

func joinPath(parts ...string) string {
	joined := filepath.ToSlash(filepath.Join(parts...))
	return strings.TrimPrefix(joined, "/")
}
