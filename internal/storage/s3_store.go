package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"reservoir/internal/config"
)

const defaultTimeout = 30 * time.Second

// S3Store keeps archives in an S3 compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds the client and checks the bucket is reachable.
func NewS3Store(cfg config.S3Config) (*S3Store, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("missing required configuration: access key, secret key and bucket are required")
	}
	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""))
	opts := s3.Options{
		Region:           cfg.Region,
		Credentials:      creds,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	store := &S3Store{client: s3.New(opts), bucket: cfg.Bucket}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if _, err := store.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("unable to access bucket %s: %w", cfg.Bucket, err)
	}
	return store, nil
}

func isMissing(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3Store) Stage(ctx context.Context, r io.Reader) (string, int64, error) {
	key := StagingPrefix + uuid.NewString() + ".zip"

	// PutObject needs a seekable body to sign the payload.
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", 0, err
		}
		body = bytes.NewReader(data)
	}
	size, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return "", 0, err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload file to S3: %w", err)
	}
	return key, size, nil
}

func (s *S3Store) Publish(ctx context.Context, stagingKey, key string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		CopySource: aws.String(s.bucket + "/" + stagingKey),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", stagingKey, key, err)
	}
	_ = s.Remove(ctx, stagingKey)
	return nil
}

func (s *S3Store) Discard(ctx context.Context, stagingKey string) error {
	return s.Remove(ctx, stagingKey)
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isMissing(err) {
			return nil, 0, notFound(key)
		}
		return nil, 0, fmt.Errorf("failed to get object from S3: %w", err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isMissing(err) {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

func (s *S3Store) RemoveDir(ctx context.Context, prefix string) error {
	objects, err := s.list(ctx, prefix, time.Time{})
	if err != nil {
		return err
	}
	for start := 0; start < len(objects); start += 1000 {
		end := min(start+1000, len(objects))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range objects[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(key)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", prefix, err)
		}
		if len(out.Errors) > 0 {
			return fmt.Errorf("failed to delete %s: %s", aws.ToString(out.Errors[0].Key), aws.ToString(out.Errors[0].Message))
		}
	}
	return nil
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	return s.ListBefore(ctx, time.Time{})
}

func (s *S3Store) ListBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	all, err := s.list(ctx, "", cutoff)
	if err != nil {
		return nil, err
	}
	keys := all[:0]
	for _, key := range all {
		if !IsStagingKey(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *S3Store) ListStaged(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.list(ctx, StagingPrefix, cutoff)
}

// list pages through prefix. A non-zero cutoff keeps only objects modified before it.
func (s *S3Store) list(ctx context.Context, prefix string, cutoff time.Time) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if !cutoff.IsZero() && obj.LastModified != nil && !obj.LastModified.Before(cutoff) {
				continue
			}
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
