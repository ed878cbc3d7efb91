// Package objstore reads and writes experiment files in S3-compatible
// object storage.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// maxObjectSize caps downloads at 100MB.
const maxObjectSize = 100 * 1024 * 1024

// Config selects the S3 endpoint. Endpoint is set for MinIO and other
// S3-compatible stores.
type Config struct {
	Region     string
	Endpoint   string
	MaxRetries uint64
}

// API is the subset of the S3 client used here.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsCfg, opts...), nil
}

// Client wraps an S3 API with retries on transport failures.
type Client struct {
	api     API
	retries uint64
	backoff time.Duration
	logger  *zap.Logger
}

// New returns a client over api. retries is the number of extra attempts
// per call.
func New(api API, retries uint64, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{api: api, retries: retries, backoff: 500 * time.Millisecond, logger: logger}
}

// WithBackoff sets the initial retry delay.
func (c *Client) WithBackoff(d time.Duration) *Client {
	c.backoff = d
	return c
}

func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		c.logger.Warn("s3 request failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		return retry.RetryableError(err)
	})
}

// Get downloads an object.
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var content []byte
	err := c.do(ctx, "get", func(ctx context.Context) error {
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		content, err = io.ReadAll(io.LimitReader(out.Body, maxObjectSize))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	return content, nil
}

// Put uploads body under key with the given content type and metadata.
func (c *Client) Put(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error {
	err := c.do(ctx, "put", func(ctx context.Context) error {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String(contentType),
			Metadata:    metadata,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", bucket, key, err)
	}
	c.logger.Info("uploaded object", zap.String("bucket", bucket), zap.String("key", key), zap.Int("bytes", len(body)))
	return nil
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %s", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 uri without bucket: %s", uri)
	}
	return bucket, key, nil
}
