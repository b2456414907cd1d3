package storage

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fly-io/pkgupdate/pkg/errors"
)

// Client reads release artifacts from S3-compatible object storage.
type Client struct {
	s3Client *s3.Client
	region   string
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, region string) (*Client, error) {
	slog.Info("s3_client_init", "region", region)

	// Release buckets are public; no credentials are needed
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	slog.Info("s3_client_created", "region", region)

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		region:   region,
	}, nil
}

// Open starts reading an object. size is -1 when S3 does not report it.
func (c *Client) Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	slog.Info("s3_get_object_start", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", bucket, "s3_key", key, "error", err)
		return nil, 0, errors.Wrap(err, "failed to get object from S3")
	}

	size := int64(-1)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return result.Body, size, nil
}

// ParseS3URL splits "s3://bucket/key/path" into bucket and key.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.Wrap(err, "invalid s3 url")
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", errors.Wrap(errors.ErrParse, "invalid s3 url "+raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", errors.Wrap(errors.ErrParse, "s3 url has no object key: "+raw)
	}
	return u.Host, key, nil
}
