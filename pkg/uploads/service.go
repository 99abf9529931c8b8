// Package uploads accepts project archives and queues them for a build.
package uploads

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"grape/models"
	"grape/pkg/builds"
	"grape/pkg/events"
	"grape/pkg/registry"
	"grape/pkg/storage"
	"grape/utils"
)

const (
	archiveExt = ".zip"
	sniffBytes = 3072
)

// Scheduler admits a project into the build queue.
type Scheduler interface {
	Reserve(id string) (*builds.Ticket, error)
}

type Config struct {
	MaxBytes       int64
	PlatformDomain string
	RatePerMinute  int
	RateBurst      int
}

type UploadRequest struct {
	Name     string
	Filename string
	Size     int64
	Body     io.Reader
}

type Service struct {
	projects  registry.Projects
	archives  storage.ArchiveStore
	scheduler Scheduler
	events    events.Publisher
	limiter   *ownerLimiter
	cfg       Config
	log       *logrus.Logger
}

func NewService(
	projects registry.Projects,
	archives storage.ArchiveStore,
	scheduler Scheduler,
	publisher events.Publisher,
	logger *logrus.Logger,
	cfg Config,
) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Service{
		projects:  projects,
		archives:  archives,
		scheduler: scheduler,
		events:    publisher,
		limiter:   newOwnerLimiter(cfg.RatePerMinute, cfg.RateBurst),
		cfg:       cfg,
		log:       logger,
	}
}

// Upload validates the archive, stores it, records a queued project and
// hands it to the build queue. It returns as soon as the project is queued.
func (s *Service) Upload(ctx context.Context, owner models.Owner, req UploadRequest) (*models.ProjectDescriptor, error) {
	const op = "uploads.Upload"

	name, body, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	if !s.limiter.Allow(owner.ID) {
		return nil, models.Errorf(models.KindRateLimited, op, "too many uploads, try again in a minute")
	}

	id := uuid.NewString()
	logger := s.log.WithFields(logrus.Fields{
		"project_id": id,
		"owner_id":   owner.ID,
		"request_id": utils.RequestIDFrom(ctx),
	})

	ticket, err := s.scheduler.Reserve(id)
	if err != nil {
		if errors.Is(err, builds.ErrQueueFull) || errors.Is(err, builds.ErrPoolClosed) {
			return nil, &models.Error{Kind: models.KindUnavailable, Op: op, Msg: "build queue is full, try again later", Err: err}
		}
		return nil, models.E(models.KindInternal, op, err)
	}
	defer ticket.Release()

	archive, err := s.archives.Put(ctx, id, body, req.Size)
	if err != nil {
		return nil, err
	}

	p := &models.Project{
		ID:            id,
		OwnerID:       owner.ID,
		Name:          name,
		Status:        models.StatusQueued,
		RoutingKey:    models.RoutingKeyFor(id, s.cfg.PlatformDomain),
		ArchiveSize:   archive.Size,
		ArchiveDigest: archive.Digest,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.projects.Create(ctx, p); err != nil {
		s.discardArchive(ctx, id, logger)
		return nil, err
	}

	// A project that misses the queue stays queued and is picked up by the
	// janitor once the pool accepts work again.
	if err := ticket.Submit(); err != nil {
		logger.Warnf("cannot queue build: %v", err)
	}

	if err := s.events.Publish(context.WithoutCancel(ctx), events.Event{
		ProjectID: p.ID,
		OwnerID:   p.OwnerID,
		Status:    p.Status,
		At:        p.CreatedAt,
	}); err != nil {
		logger.Warnf("cannot publish queued event: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"size":   archive.Size,
		"digest": archive.Digest,
	}).Info("project queued")

	d := p.Descriptor()
	return &d, nil
}

// validate runs every check that needs no side effect and returns the
// trimmed name along with a reader replaying the sniffed bytes.
func (s *Service) validate(req UploadRequest) (string, io.Reader, error) {
	const op = "uploads.Upload"

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return "", nil, models.Errorf(models.KindValidation, op, "project name is required")
	}
	if req.Body == nil {
		return "", nil, models.Errorf(models.KindValidation, op, "project archive is required")
	}
	if !strings.EqualFold(filepath.Ext(req.Filename), archiveExt) {
		return "", nil, models.Errorf(models.KindValidation, op, "only %s archives are accepted", archiveExt)
	}
	if req.Size <= 0 {
		return "", nil, models.Errorf(models.KindValidation, op, "project archive is empty")
	}
	if req.Size > s.cfg.MaxBytes {
		return "", nil, models.Errorf(models.KindValidation, op, "archive exceeds the %d byte limit", s.cfg.MaxBytes)
	}

	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(req.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, models.E(models.KindValidation, op, err)
	}
	head = head[:n]

	if !isZip(mimetype.Detect(head)) {
		return "", nil, models.Errorf(models.KindValidation, op, "archive is not a zip file")
	}

	return name, io.MultiReader(bytes.NewReader(head), req.Body), nil
}

// isZip also accepts zip based formats, which mimetype reports as children of zip.
func isZip(mt *mimetype.MIME) bool {
	for ; mt != nil; mt = mt.Parent() {
		if mt.Is("application/zip") {
			return true
		}
	}
	return false
}

func (s *Service) discardArchive(ctx context.Context, id string, logger *logrus.Entry) {
	if err := s.archives.Delete(context.WithoutCancel(ctx), id); err != nil {
		logger.Warnf("cannot delete archive of rejected project: %v", err)
	}
}
