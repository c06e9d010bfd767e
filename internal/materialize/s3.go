package materialize

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store persists artifacts as S3 objects.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// S3Config holds configuration for NewS3StoreFromConfig.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Custom endpoint for MinIO or LocalStack
	Prefix   string
}

// NewS3Store creates an S3Store over client.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// NewS3StoreFromConfig builds a client from the default AWS credential chain.
func NewS3StoreFromConfig(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

// Name implements Backend.
func (s *S3Store) Name() string { return BackendS3 }

// Locate implements Backend.
func (s *S3Store) Locate(key string) string {
	return fmt.Sprintf("%s://%s/%s", BackendS3, s.bucket, s.prefix+key)
}

// Put implements Backend. Writing the same key again overwrites it, so a
// retried execution converges on one object.
func (s *S3Store) Put(ctx context.Context, obj Object) (string, error) {
	key := s.prefix + obj.Key()
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(obj.Data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"digest":       obj.Digest,
			"tenant-id":    obj.TenantID,
			"execution-id": obj.ExecutionID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return s.Locate(obj.Key()), nil
}

// Get implements Backend.
func (s *S3Store) Get(ctx context.Context, location string) ([]byte, error) {
	key, err := s.key(location)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// Delete implements Backend.
func (s *S3Store) Delete(ctx context.Context, location string) error {
	key, err := s.key(location)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) key(location string) (string, error) {
	key, ok := strings.CutPrefix(location, fmt.Sprintf("%s://%s/", BackendS3, s.bucket))
	if !ok || key == "" {
		return "", fmt.Errorf("not a location of bucket %s: %s", s.bucket, location)
	}
	return key, nil
}
