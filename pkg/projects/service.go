// Package projects lets owners follow their deployments: status, routing key
// and build log.
package projects

import (
	"context"

	"grape/models"
	"grape/pkg/registry"
)

type Service struct {
	projects registry.Projects
}

func NewService(projects registry.Projects) *Service {
	return &Service{projects: projects}
}

// List returns the owner's projects, newest first.
func (s *Service) List(ctx context.Context, owner models.Owner) ([]models.ProjectDescriptor, error) {
	list, err := s.projects.ListForOwner(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.ProjectDescriptor{}
	}
	return list, nil
}

// Get returns a project with its build log. Projects of other owners are
// reported as not found.
func (s *Service) Get(ctx context.Context, owner models.Owner, id string) (*models.Project, error) {
	return s.projects.GetForOwner(ctx, owner.ID, id)
}
