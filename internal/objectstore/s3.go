package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bleash-dev/comfyui-docker-sub000/internal/httpclient"
)

// S3Store is the concrete Store adapter for an S3-compatible bucket,
// grounded on the teacher's client/credential-refresh wiring
// (internal/cloud/providers/s3/client.go) but simplified to the default
// AWS credential chain: this CORE runs inside a pod with its own
// environment-supplied role/keys rather than the teacher's
// per-transfer-file credential broker.
type S3Store struct {
	client *s3.Client
	bucket string
	retry  httpclient.RetryConfig
}

// NewS3Store builds an S3Store for bucket in region using the default AWS
// credential chain (environment, shared config, or pod IAM role) and the
// shared optimized HTTP transport.
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithHTTPClient(httpclient.CreateOptimizedClient()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		retry: httpclient.RetryConfig{
			MaxRetries:   5,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
	}, nil
}

func (s *S3Store) withRetry(ctx context.Context, op func() error) error {
	return httpclient.ExecuteWithRetry(ctx, s.retry, op)
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	var out ObjectInfo
	err := s.withRetry(ctx, func() error {
		resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		out.Size = aws.ToInt64(resp.ContentLength)
		out.ETag = aws.ToString(resp.ETag)
		out.Metadata = resp.Metadata
		if resp.LastModified != nil {
			out.LastModified = resp.LastModified.UTC().Format(time.RFC3339)
		}
		return nil
	})
	return out, err
}

func (s *S3Store) Size(ctx context.Context, key string) (int64, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := s.withRetry(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	return body, err
}

func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) error {
	// PutObject needs a seeker for retries to re-read from the start; the
	// Upload Reconciler passes either an *os.File or its progress wrapper
	// around one, both of which satisfy io.ReadSeeker.
	seeker, ok := body.(io.ReadSeeker)
	return s.withRetry(ctx, func() error {
		if ok {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("failed to rewind upload body: %w", err)
			}
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          body,
			ContentLength: aws.Int64(size),
			Metadata:      metadata,
		})
		return err
	})
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.withRetry(ctx, func() error {
		keys = nil
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				keys = append(keys, aws.ToString(obj.Key))
			}
		}
		return nil
	})
	return keys, err
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &noSuchKey)
}
