package utils

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var location = "us-east-1"

func NewMinioClient(cfg MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.RootUser, cfg.RootPass, ""),
		Secure: cfg.SecureConn,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return client, nil
}

// EnsureBucket creates bucket unless it already exists.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: location})
	if err == nil {
		return nil
	}

	// Check to see if we already own this bucket (which happens if you run this twice)
	exists, errBucketExists := client.BucketExists(ctx, bucket)
	if errBucketExists != nil {
		return fmt.Errorf("minio bucket %s: %w", bucket, errBucketExists)
	}
	if !exists {
		return fmt.Errorf("minio bucket %s: %w", bucket, err)
	}
	return nil
}
