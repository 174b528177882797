package archive

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// MinioSink uploads archived files to an S3 compatible bucket.
type MinioSink struct {
	client *minio.Client
	bucket string
	region string
	prefix string
}

func NewMinioSink(cfg S3Config) (*MinioSink, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}

	return &MinioSink{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func (s *MinioSink) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *MinioSink) Put(ctx context.Context, key, srcPath string) error {
	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.FPutObject(ctx, s.bucket, s.objectName(key), srcPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload archive object: %w", err)
	}
	return nil
}

func (s *MinioSink) List(ctx context.Context) ([]*ArchiveFile, error) {
	var files []*ArchiveFile
	for obj := range s.client.ListObjects(ctx, s.bucket, s.listOptions()) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list archive objects: %w", obj.Err)
		}
		files = append(files, &ArchiveFile{
			Key:       s.trimPrefix(obj.Key),
			Size:      obj.Size,
			CreatedAt: obj.LastModified,
		})
	}
	return files, nil
}

func (s *MinioSink) Prune(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	for obj := range s.client.ListObjects(ctx, s.bucket, s.listOptions()) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list archive objects: %w", obj.Err)
		}
		if !obj.LastModified.Before(before) {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove archive object %s: %w", obj.Key, err)
		}
		removed++
	}
	return removed, nil
}

func (s *MinioSink) listOptions() minio.ListObjectsOptions {
	opts := minio.ListObjectsOptions{Recursive: true}
	if s.prefix != "" {
		opts.Prefix = s.prefix + "/"
	}
	return opts
}

func (s *MinioSink) trimPrefix(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, s.prefix+"/")
}
