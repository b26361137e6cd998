// Package objectstore is the blob capability used for raw imagery and tiles.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrObjectNotFound is returned when a bucket/key pair does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrObjectTooLarge is returned by ReadLimited when an object exceeds the limit.
var ErrObjectTooLarge = errors.New("object too large")

// NotFoundError names the missing object and matches ErrObjectNotFound.
type NotFoundError struct {
	Bucket, Key string
}

func (e *NotFoundError) Error() string {
	return "object " + e.Bucket + "/" + e.Key + " not found"
}

func (e *NotFoundError) Is(target error) bool { return target == ErrObjectNotFound }

// Gateway is a thin capability over a bucketed blob store.
type Gateway interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
}

// EnsureBuckets creates each missing bucket. Called once by the composition root.
func EnsureBuckets(ctx context.Context, gw Gateway, logger *slog.Logger, buckets ...string) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, b := range buckets {
		ok, err := gw.BucketExists(ctx, b)
		if err != nil {
			logger.Error("bucket lookup failed", "bucket", b, "error", err)
			return err
		}
		if ok {
			continue
		}
		if err := gw.MakeBucket(ctx, b); err != nil {
			logger.Error("bucket creation failed", "bucket", b, "error", err)
			return err
		}
		logger.Info("bucket created", "bucket", b)
	}
	return nil
}

// ReadAll fetches an object fully into memory.
func ReadAll(ctx context.Context, gw Gateway, bucket, key string) ([]byte, error) {
	rc, err := gw.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ReadLimited is ReadAll that fails with ErrObjectTooLarge once more than limit
// bytes have been read. A limit <= 0 reads everything.
func ReadLimited(ctx context.Context, gw Gateway, bucket, key string, limit int64) ([]byte, error) {
	if limit <= 0 {
		return ReadAll(ctx, gw, bucket, key)
	}
	rc, err := gw.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s/%s: %w (limit %d bytes)", bucket, key, ErrObjectTooLarge, limit)
	}
	return data, nil
}
