// Package registry is the durable record of projects and their owners.
// Status changes are conditional updates, so a project never moves backwards
// and two writers can never both win the same transition.
package registry

import (
	"context"
	"time"

	"grape/models"
)

// Update carries the side effects applied together with a status transition.
type Update struct {
	// LogChunk is appended to the build log in the same statement.
	LogChunk string
	// ArtifactDir is only recorded when the target status is live.
	ArtifactDir string
	At          time.Time
}

type Projects interface {
	Create(ctx context.Context, p *models.Project) error
	Get(ctx context.Context, id string) (*models.Project, error)
	GetForOwner(ctx context.Context, ownerID, id string) (*models.Project, error)
	ListForOwner(ctx context.Context, ownerID string) ([]models.ProjectDescriptor, error)
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Project, error)
	GetLiveByRoutingKey(ctx context.Context, routingKey string) (*models.Project, error)
	AppendLog(ctx context.Context, id, chunk string) error
	Advance(ctx context.Context, id string, to models.Status, u Update) error
}

type Users interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Store is the full registry surface.
type Store interface {
	Projects
	Users
}

func notFound(op, what, id string) error {
	return models.Errorf(models.KindNotFound, op, "%s %s not found", what, id)
}

func conflict(op, format string, args ...any) error {
	return models.Errorf(models.KindConflict, op, format, args...)
}

// refuseTransition explains why a project in status from cannot move to to.
func refuseTransition(op, id string, from, to models.Status) error {
	if from.IsTerminal() {
		return conflict(op, "project %s is already %s", id, from)
	}
	return conflict(op, "project %s is %s: cannot move to %s", id, from, to)
}

func transitionTarget(op string, to models.Status) (models.Status, error) {
	from, ok := to.Predecessor()
	if !ok {
		return "", models.Errorf(models.KindValidation, op, "no transition leads to %s", to)
	}
	return from, nil
}
