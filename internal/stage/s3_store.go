package stage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nucleus/sync-core/internal/core"
)

// S3Config configures an S3-compatible object store.
type S3Config struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// S3Store implements ObjectStore with minio-go against MinIO or S3.
type S3Store struct {
	client *minio.Client
	cfg    S3Config
}

var _ ObjectStore = (*S3Store)(nil)

// NewS3Store creates an S3-backed store.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.EndpointURL == "" {
		return nil, core.Wrap(CodeEndpointUnreachable, true, fmt.Errorf("endpoint url is required"))
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, core.Wrap(CodeAuthInvalid, false, fmt.Errorf("credentials are required"))
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, core.Wrap(CodeEndpointUnreachable, true, fmt.Errorf("invalid endpoint url: %w", err))
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL || u.Scheme == "https"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, core.Wrap(CodeEndpointUnreachable, true, fmt.Errorf("create minio client: %w", err))
	}
	return &S3Store{client: client, cfg: cfg}, nil
}

func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	if bucket == "" {
		return core.Wrap(CodeBucketNotFound, false, fmt.Errorf("bucket name is required"))
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return classifyMinioError(err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return classifyMinioError(err)
	}
	return nil
}

func (s *S3Store) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if bucket == "" || key == "" {
		return core.Wrap(CodeStageWriteFailed, false, fmt.Errorf("bucket and key are required"))
	}
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/vnd.apache.parquet",
	})
	if err != nil {
		return classifyMinioError(err)
	}
	return nil
}

func (s *S3Store) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyMinioError(err)
	}
	return data, nil
}

func (s *S3Store) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	// Cancelling stops the lister goroutine when we return early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var keys []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classifyMinioError(obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *S3Store) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classifyMinioError(err)
	}
	return nil
}
