package builds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"grape/models"
	"grape/pkg/events"
	"grape/pkg/registry"
)

const interruptedMessage = "==> build interrupted: the server stopped before it finished\n"

// Scheduler is the part of the pool the janitor needs.
type Scheduler interface {
	Reserve(id string) (*Ticket, error)
	Tracked(id string) bool
}

// Janitor reconciles the registry with the pool after restarts: building
// projects nobody runs are failed and queued projects nobody holds are
// handed to the pool again.
type Janitor struct {
	projects registry.Projects
	pool     Scheduler
	events   events.Publisher
	log      *logrus.Logger
	schedule string
	cron     *cron.Cron
}

func NewJanitor(projects registry.Projects, pool Scheduler, publisher events.Publisher, logger *logrus.Logger, schedule string) *Janitor {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Janitor{
		projects: projects,
		pool:     pool,
		events:   publisher,
		log:      logger,
		schedule: schedule,
	}
}

// Start sweeps once and then on every tick of the schedule.
func (j *Janitor) Start(ctx context.Context) error {
	if err := j.Sweep(ctx); err != nil {
		j.log.Warnf("initial recovery sweep: %v", err)
	}

	if j.schedule == "" {
		return nil
	}

	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.schedule, func() {
		if err := j.Sweep(ctx); err != nil {
			j.log.Warnf("recovery sweep: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}

	j.cron.Start()
	return nil
}

func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

func (j *Janitor) Sweep(ctx context.Context) error {
	pending, err := j.projects.ListByStatus(ctx, models.StatusQueued, models.StatusBuilding)
	if err != nil {
		return err
	}

	for i := range pending {
		p := &pending[i]
		if j.pool.Tracked(p.ID) {
			continue
		}

		logger := j.log.WithFields(logrus.Fields{"project_id": p.ID, "owner_id": p.OwnerID})

		switch p.Status {
		case models.StatusBuilding:
			j.failOrphan(ctx, p, logger)
		case models.StatusQueued:
			if stop := j.resubmit(p, logger); stop {
				return nil
			}
		}
	}
	return nil
}

func (j *Janitor) failOrphan(ctx context.Context, p *models.Project, logger *logrus.Entry) {
	at := time.Now().UTC()
	err := j.projects.Advance(ctx, p.ID, models.StatusFailed, registry.Update{
		LogChunk: interruptedMessage,
		At:       at,
	})
	if models.IsConflict(err) {
		// finished between the listing and the update
		return
	}
	if err != nil {
		logger.Warnf("cannot fail interrupted build: %v", err)
		return
	}

	logger.Warn("marked interrupted build as failed")
	if err := j.events.Publish(ctx, events.Event{ProjectID: p.ID, OwnerID: p.OwnerID, Status: models.StatusFailed, At: at}); err != nil {
		logger.Warnf("cannot publish failed event: %v", err)
	}
}

// resubmit reports whether the sweep should stop because the pool is full or closed.
func (j *Janitor) resubmit(p *models.Project, logger *logrus.Entry) bool {
	ticket, err := j.pool.Reserve(p.ID)
	switch {
	case errors.Is(err, ErrAlreadyTracked):
		return false
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrPoolClosed):
		return true
	case err != nil:
		logger.Warnf("cannot reserve build slot: %v", err)
		return false
	}

	if err := ticket.Submit(); err != nil {
		logger.Warnf("cannot resubmit queued project: %v", err)
		return true
	}
	logger.Info("resubmitted queued project")
	return false
}
