package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"grape/models"
)

// Memory keeps records in process. It is used by tests and DB_DRIVER=memory.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]*models.Project
	users    map[string]*models.User
}

func NewMemory() *Memory {
	return &Memory{
		projects: map[string]*models.Project{},
		users:    map[string]*models.User{},
	}
}

func (m *Memory) Create(_ context.Context, p *models.Project) error {
	const op = "registry.Create"

	if !p.Status.Valid() {
		return models.Errorf(models.KindValidation, op, "invalid status %q", p.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.projects[p.ID]; exists {
		return conflict(op, "project %s or routing key %s already exists", p.ID, p.RoutingKey)
	}
	for _, other := range m.projects {
		if other.RoutingKey == p.RoutingKey {
			return conflict(op, "project %s or routing key %s already exists", p.ID, p.RoutingKey)
		}
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	stored := *p
	m.projects[p.ID] = &stored
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, notFound("registry.Get", "project", id)
	}
	return clone(p), nil
}

func (m *Memory) GetForOwner(_ context.Context, ownerID, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok || p.OwnerID != ownerID {
		return nil, notFound("registry.GetForOwner", "project", id)
	}
	return clone(p), nil
}

func (m *Memory) ListForOwner(_ context.Context, ownerID string) ([]models.ProjectDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	descriptors := []models.ProjectDescriptor{}
	for _, p := range m.projects {
		if p.OwnerID == ownerID {
			descriptors = append(descriptors, p.Descriptor())
		}
	}

	sort.Slice(descriptors, func(i, j int) bool {
		a, b := descriptors[i], descriptors[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return descriptors, nil
}

func (m *Memory) ListByStatus(_ context.Context, statuses ...models.Status) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	projects := []models.Project{}
	for _, p := range m.projects {
		for _, s := range statuses {
			if p.Status == s {
				cp := *p
				cp.BuildLog = ""
				projects = append(projects, cp)
				break
			}
		}
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

func (m *Memory) GetLiveByRoutingKey(_ context.Context, routingKey string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.projects {
		if p.RoutingKey == routingKey && p.Status == models.StatusLive {
			return clone(p), nil
		}
	}
	return nil, notFound("registry.GetLiveByRoutingKey", "project", routingKey)
}

func (m *Memory) AppendLog(_ context.Context, id, chunk string) error {
	const op = "registry.AppendLog"

	if chunk == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return notFound(op, "project", id)
	}
	if p.Status != models.StatusBuilding {
		return conflict(op, "project %s is %s: not building, log is closed", id, p.Status)
	}
	p.BuildLog += chunk
	return nil
}

func (m *Memory) Advance(_ context.Context, id string, to models.Status, u Update) error {
	const op = "registry.Advance"

	if _, err := transitionTarget(op, to); err != nil {
		return err
	}
	if to == models.StatusLive && u.ArtifactDir == "" {
		return models.Errorf(models.KindValidation, op, "live project %s needs an artifact location", id)
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return notFound(op, "project", id)
	}
	if !p.Status.CanTransitionTo(to) {
		return refuseTransition(op, id, p.Status, to)
	}

	p.Status = to
	p.BuildLog += u.LogChunk
	switch to {
	case models.StatusBuilding:
		p.StartedAt = &at
	case models.StatusLive:
		p.FinishedAt = &at
		p.ArtifactDir = u.ArtifactDir
	case models.StatusFailed:
		p.FinishedAt = &at
	}
	return nil
}

func (m *Memory) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[u.Email]; exists {
		return conflict("registry.CreateUser", "email %s is already registered", u.Email)
	}
	for _, other := range m.users {
		if other.ID == u.ID {
			return conflict("registry.CreateUser", "user %s already exists", u.ID)
		}
	}

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	stored := *u
	m.users[u.Email] = &stored
	return nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[email]
	if !ok {
		return nil, notFound("registry.GetUserByEmail", "user", email)
	}
	cp := *u
	return &cp, nil
}

func clone(p *models.Project) *models.Project {
	cp := *p
	if p.StartedAt != nil {
		t := *p.StartedAt
		cp.StartedAt = &t
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
