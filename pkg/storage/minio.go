package storage

import (
	"context"
	"io"
	"os"

	"github.com/minio/minio-go/v7"

	"grape/models"
)

const noSuchKey = "NoSuchKey"

// MinioStore keeps archives in a bucket and stages them on local disk for builds.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	scratch string
}

func NewMinioStore(client *minio.Client, bucket, scratchDir string) (*MinioStore, error) {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, err
	}
	return &MinioStore{client: client, bucket: bucket, scratch: scratchDir}, nil
}

func (s *MinioStore) Put(ctx context.Context, id string, r io.Reader, size int64) (*Archive, error) {
	const op = "storage.Put"

	exists, err := s.exists(ctx, id)
	if err != nil {
		return nil, models.E(models.KindInternal, op, err)
	}
	if exists {
		return nil, models.Errorf(models.KindConflict, op, "archive %s already stored", id)
	}

	dr := newDigestReader(r)
	_, err = s.client.PutObject(ctx, s.bucket, objectName(id), dr, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, models.E(models.KindInternal, op, err)
	}

	return dr.archive(), nil
}

func (s *MinioStore) Fetch(ctx context.Context, id string) (string, func(), error) {
	const op = "storage.Fetch"

	f, err := os.CreateTemp(s.scratch, id+"-*.zip")
	if err != nil {
		return "", nil, models.E(models.KindInternal, op, err)
	}
	path := f.Name()
	f.Close()

	release := func() { _ = os.Remove(path) }

	if err := s.client.FGetObject(ctx, s.bucket, objectName(id), path, minio.GetObjectOptions{}); err != nil {
		release()
		if minio.ToErrorResponse(err).Code == noSuchKey {
			return "", nil, models.Errorf(models.KindNotFound, op, "archive %s not found", id)
		}
		return "", nil, models.E(models.KindInternal, op, err)
	}

	return path, release, nil
}

func (s *MinioStore) Delete(ctx context.Context, id string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectName(id), minio.RemoveObjectOptions{ForceDelete: true})
	if err != nil && minio.ToErrorResponse(err).Code != noSuchKey {
		return models.E(models.KindInternal, "storage.Delete", err)
	}
	return nil
}

func (s *MinioStore) exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectName(id), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == noSuchKey {
		return false, nil
	}
	return false, err
}
