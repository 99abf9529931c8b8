package registry

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"grape/models"
)

const uniqueViolation = "23505"

type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// Migrate creates or updates the tables backing the registry.
func (g *Gorm) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(
		&models.Project{},
		&models.User{},
	)
}

func (g *Gorm) Create(ctx context.Context, p *models.Project) error {
	const op = "registry.Create"

	if !p.Status.Valid() {
		return models.Errorf(models.KindValidation, op, "invalid status %q", p.Status)
	}

	err := g.db.WithContext(ctx).Create(p).Error
	if isDuplicate(err) {
		return conflict(op, "project %s or routing key %s already exists", p.ID, p.RoutingKey)
	}
	if err != nil {
		return models.E(models.KindInternal, op, err)
	}
	return nil
}

func (g *Gorm) Get(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := g.db.WithContext(ctx).
		Where("id = ?", id).
		First(&p).
		Error
	return g.found(&p, err, "registry.Get", id)
}

func (g *Gorm) GetForOwner(ctx context.Context, ownerID, id string) (*models.Project, error) {
	var p models.Project
	err := g.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&p).
		Error
	return g.found(&p, err, "registry.GetForOwner", id)
}

func (g *Gorm) ListForOwner(ctx context.Context, ownerID string) ([]models.ProjectDescriptor, error) {
	descriptors := []models.ProjectDescriptor{}
	err := g.db.WithContext(ctx).
		Model(&models.Project{}).
		Select("id", "name", "status", "routing_key", "created_at").
		Where("owner_id = ?", ownerID).
		Order("created_at desc, id desc").
		Find(&descriptors).
		Error
	if err != nil {
		return nil, models.E(models.KindInternal, "registry.ListForOwner", err)
	}
	return descriptors, nil
}

func (g *Gorm) ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Project, error) {
	projects := []models.Project{}
	if len(statuses) == 0 {
		return projects, nil
	}

	err := g.db.WithContext(ctx).
		Omit("build_log").
		Where("status IN ?", statuses).
		Order("created_at asc").
		Find(&projects).
		Error
	if err != nil {
		return nil, models.E(models.KindInternal, "registry.ListByStatus", err)
	}
	return projects, nil
}

func (g *Gorm) GetLiveByRoutingKey(ctx context.Context, routingKey string) (*models.Project, error) {
	var p models.Project
	err := g.db.WithContext(ctx).
		Omit("build_log").
		Where("routing_key = ? AND status = ?", routingKey, models.StatusLive).
		First(&p).
		Error
	return g.found(&p, err, "registry.GetLiveByRoutingKey", routingKey)
}

func (g *Gorm) AppendLog(ctx context.Context, id, chunk string) error {
	const op = "registry.AppendLog"

	if chunk == "" {
		return nil
	}

	res := g.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("id = ? AND status = ?", id, models.StatusBuilding).
		Update("build_log", gorm.Expr("build_log || ?", chunk))
	if res.Error != nil {
		return models.E(models.KindInternal, op, res.Error)
	}
	if res.RowsAffected == 0 {
		current, err := g.currentStatus(ctx, op, id)
		if err != nil {
			return err
		}
		return conflict(op, "project %s is %s: not building, log is closed", id, current)
	}
	return nil
}

func (g *Gorm) Advance(ctx context.Context, id string, to models.Status, u Update) error {
	const op = "registry.Advance"

	from, err := transitionTarget(op, to)
	if err != nil {
		return err
	}
	if to == models.StatusLive && u.ArtifactDir == "" {
		return models.Errorf(models.KindValidation, op, "live project %s needs an artifact location", id)
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updates := map[string]any{"status": to}
	if u.LogChunk != "" {
		updates["build_log"] = gorm.Expr("build_log || ?", u.LogChunk)
	}
	switch to {
	case models.StatusBuilding:
		updates["started_at"] = at
	case models.StatusLive:
		updates["finished_at"] = at
		updates["artifact_dir"] = u.ArtifactDir
	case models.StatusFailed:
		updates["finished_at"] = at
	}

	res := g.db.WithContext(ctx).
		Model(&models.Project{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return models.E(models.KindInternal, op, res.Error)
	}
	if res.RowsAffected == 0 {
		current, err := g.currentStatus(ctx, op, id)
		if err != nil {
			return err
		}
		return refuseTransition(op, id, current, to)
	}
	return nil
}

func (g *Gorm) CreateUser(ctx context.Context, u *models.User) error {
	const op = "registry.CreateUser"

	err := g.db.WithContext(ctx).Create(u).Error
	if isDuplicate(err) {
		return conflict(op, "email %s is already registered", u.Email)
	}
	if err != nil {
		return models.E(models.KindInternal, op, err)
	}
	return nil
}

func (g *Gorm) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := g.db.WithContext(ctx).
		Where("email = ?", email).
		First(&u).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("registry.GetUserByEmail", "user", email)
	}
	if err != nil {
		return nil, models.E(models.KindInternal, "registry.GetUserByEmail", err)
	}
	return &u, nil
}

func (g *Gorm) found(p *models.Project, err error, op, key string) (*models.Project, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(op, "project", key)
	}
	if err != nil {
		return nil, models.E(models.KindInternal, op, err)
	}
	return p, nil
}

// currentStatus reads the status of a project after a conditional update
// touched no row.
func (g *Gorm) currentStatus(ctx context.Context, op, id string) (models.Status, error) {
	var current models.Project
	err := g.db.WithContext(ctx).
		Select("id", "status").
		Where("id = ?", id).
		First(&current).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", notFound(op, "project", id)
	}
	if err != nil {
		return "", models.E(models.KindInternal, op, err)
	}
	return current.Status, nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
