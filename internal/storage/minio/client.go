package minio

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/interfaces"
)

// Client wraps the MinIO SDK behind the ObjectStore interface. All artifact
// traffic (raw uploads, processed parquet, tiles, chart documents) goes
// through here.
type Client struct {
	mc     *minio.Client
	logger arbor.ILogger
}

// NewClient connects to the configured S3-compatible endpoint.
func NewClient(cfg *common.ObjectStoreConfig, logger arbor.ILogger) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	logger.Debug().Str("endpoint", cfg.Endpoint).Bool("ssl", cfg.UseSSL).Msg("Object store client initialized")

	return &Client{mc: mc, logger: logger}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	c.logger.Info().Str("bucket", bucket).Msg("Created object store bucket")
	return nil
}

// GetObject opens a streaming reader for the object.
func (c *Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	return obj, nil
}

// PutObject streams r into the object store. size may be -1 for unknown.
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := c.mc.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// FPutObject uploads a local file.
func (c *Client) FPutObject(ctx context.Context, bucket, key, path, contentType string) error {
	_, err := c.mc.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to upload %s to %s/%s: %w", path, bucket, key, err)
	}
	return nil
}

// FGetObject downloads an object to a local file.
func (c *Client) FGetObject(ctx context.Context, bucket, key, path string) error {
	if err := c.mc.FGetObject(ctx, bucket, key, path, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download %s/%s: %w", bucket, key, err)
	}
	return nil
}

// StatObject returns object metadata.
func (c *Client) StatObject(ctx context.Context, bucket, key string) (interfaces.ObjectInfo, error) {
	info, err := c.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return interfaces.ObjectInfo{}, fmt.Errorf("failed to stat object %s/%s: %w", bucket, key, err)
	}
	return interfaces.ObjectInfo{
		Key:         info.Key,
		Size:        info.Size,
		ContentType: info.ContentType,
	}, nil
}

// RemoveObject deletes an object. Missing objects are not an error.
func (c *Client) RemoveObject(ctx context.Context, bucket, key string) error {
	if err := c.mc.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignedGet returns a time-limited download URL.
func (c *Client) PresignedGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign GET for %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// PresignedPut returns a time-limited upload URL.
func (c *Client) PresignedPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	u, err := c.mc.PresignedPutObject(ctx, bucket, key, ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign PUT for %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

// Healthy reports whether the endpoint answers a cheap request.
func (c *Client) Healthy(ctx context.Context, bucket string) bool {
	_, err := c.mc.BucketExists(ctx, bucket)
	return err == nil
}
