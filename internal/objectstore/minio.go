package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for a MinIO/S3 endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// MinioGateway implements Gateway on top of minio-go.
type MinioGateway struct {
	client *minio.Client
	log    *slog.Logger
}

func NewMinioGateway(cfg MinioConfig, logger *slog.Logger) (*MinioGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	logger.Info("object store client ready", "endpoint", cfg.Endpoint, "secure", cfg.Secure)
	return &MinioGateway{client: client, log: logger}, nil
}

func (g *MinioGateway) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := g.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(err, bucket, key)
	}
	// GetObject is lazy; Stat surfaces missing keys before the caller starts reading.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapMinioErr(err, bucket, key)
	}
	return obj, nil
}

func (g *MinioGateway) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := g.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		g.log.Error("object put failed", "bucket", bucket, "key", key, "error", err)
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	g.log.Debug("object stored", "bucket", bucket, "key", key, "bytes", len(data))
	return nil
}

func (g *MinioGateway) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return g.client.BucketExists(ctx, bucket)
}

func (g *MinioGateway) MakeBucket(ctx context.Context, bucket string) error {
	return g.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

func mapMinioErr(err error, bucket, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return &NotFoundError{Bucket: bucket, Key: key}
	}
	return fmt.Errorf("get %s/%s: %w", bucket, key, err)
}
