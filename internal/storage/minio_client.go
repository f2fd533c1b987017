package storage

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"reservoir/internal/config"
	"reservoir/internal/logger"
)

// NewMinioClient initializes a MinIO client and ensures the bucket exists.
func NewMinioClient(ctx context.Context, cfg config.MinioConfig, log *logger.Logger) (*minio.Client, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.SSL,
	})
	if err != nil {
		return nil, err
	}
	exists, errBucket := minioClient.BucketExists(ctx, cfg.Bucket)
	if errBucket != nil {
		return nil, errBucket
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: ""})
		if err != nil {
			return nil, err
		}
		log.Info("created bucket", "bucket", cfg.Bucket)
	}
	return minioClient, nil
}

// MinioStore keeps archives as objects named by their blob key. Publishing
// is a server side copy followed by removal of the staged object.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(client *minio.Client, bucket string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket}
}

func (s *MinioStore) Stage(ctx context.Context, r io.Reader) (string, int64, error) {
	key := StagingPrefix + uuid.NewString() + ".zip"
	info, err := s.client.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return "", 0, errors.Wrap(err, "put staged object")
	}
	return key, info.Size, nil
}

func (s *MinioStore) Publish(ctx context.Context, stagingKey, key string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: key},
		minio.CopySrcOptions{Bucket: s.bucket, Object: stagingKey},
	)
	if err != nil {
		return errors.Wrapf(err, "copy %s to %s", stagingKey, key)
	}
	// The published copy is complete; a leftover staged object is collected
	// by reconciliation.
	_ = s.client.RemoveObject(ctx, s.bucket, stagingKey, minio.RemoveObjectOptions{})
	return nil
}

func (s *MinioStore) Discard(ctx context.Context, stagingKey string) error {
	return s.Remove(ctx, stagingKey)
}

func (s *MinioStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, err
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, 0, notFound(key)
		}
		return nil, 0, err
	}
	return obj, stat.Size, nil
}

func (s *MinioStore) Remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return err
	}
	return nil
}

func (s *MinioStore) RemoveDir(ctx context.Context, prefix string) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for result := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return errors.Wrapf(result.Err, "remove %s", result.ObjectName)
		}
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context) ([]string, error) {
	return s.ListBefore(ctx, time.Time{})
}

// ListBefore lists published objects; a zero cutoff keeps all of them.
func (s *MinioStore) ListBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if IsStagingKey(obj.Key) {
			continue
		}
		if !cutoff.IsZero() && !obj.LastModified.Before(cutoff) {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *MinioStore) ListStaged(ctx context.Context, cutoff time.Time) ([]string, error) {
	var keys []string
	opts := minio.ListObjectsOptions{Prefix: StagingPrefix, Recursive: true}
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.LastModified.Before(cutoff) {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}
