package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"grape/models"
)

type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(id string) string {
	return filepath.Join(s.dir, objectName(id))
}

func (s *DiskStore) Put(ctx context.Context, id string, r io.Reader, _ int64) (*Archive, error) {
	const op = "storage.Put"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, "."+id+"-*.tmp")
	if err != nil {
		return nil, models.E(models.KindInternal, op, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	dr := newDigestReader(r)
	if _, err := io.Copy(tmp, dr); err != nil {
		tmp.Close()
		return nil, models.E(models.KindInternal, op, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, models.E(models.KindInternal, op, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, models.E(models.KindInternal, op, err)
	}

	// A hard link fails when the name is taken, so an archive is never replaced.
	if err := os.Link(tmpPath, s.path(id)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, models.Errorf(models.KindConflict, op, "archive %s already stored", id)
		}
		return nil, models.E(models.KindInternal, op, err)
	}

	return dr.archive(), nil
}

func (s *DiskStore) Fetch(_ context.Context, id string) (string, func(), error) {
	p := s.path(id)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, models.Errorf(models.KindNotFound, "storage.Fetch", "archive %s not found", id)
		}
		return "", nil, models.E(models.KindInternal, "storage.Fetch", err)
	}
	return p, func() {}, nil
}

func (s *DiskStore) Delete(_ context.Context, id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return models.E(models.KindInternal, "storage.Delete", err)
	}
	return nil
}
