// Package s3store stores invoices in Amazon S3 (or an S3-compatible service)
// and hands out presigned download URLs.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/xenking/invoice-reconciler/internal/artifact"
)

var _ artifact.Store = (*Store)(nil)

// API is the subset of the S3 client used by Store.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Presigner signs GetObject requests.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config holds bucket settings.
type Config struct {
	Bucket   string
	Prefix   string // optional key prefix, e.g. "invoices/"
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
}

// Store implements artifact.Store on S3.
type Store struct {
	api     API
	presign Presigner
	bucket  string
	prefix  string
}

// New creates a Store from explicit clients.
func New(api API, presign Presigner, cfg Config) *Store {
	return &Store{
		api:     api,
		presign: presign,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
	}
}

// NewFromConfig builds the S3 and presign clients from an AWS config.
func NewFromConfig(awsCfg aws.Config, cfg Config) *Store {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	})
	return New(client, s3.NewPresignClient(client), cfg)
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Put uploads body under key. Re-uploading the same key overwrites it with
// the same content, so retries are harmless.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %q: %w", key, err)
	}
	return nil
}

// URL returns a presigned GET URL valid for ttl.
func (s *Store) URL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3 presign %q: %w", key, err)
	}
	return req.URL, nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 head bucket %q: %w", s.bucket, err)
	}
	return nil
}
