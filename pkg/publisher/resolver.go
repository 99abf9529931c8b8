// Package publisher is the boundary between finished builds and the outside
// world: it maps routing keys to published artifact directories and serves them.
package publisher

import (
	"context"

	"grape/models"
	"grape/pkg/registry"
)

// Artifact is a published build output.
type Artifact struct {
	ProjectID  string
	RoutingKey string
	Dir        string
}

type Resolver struct {
	projects registry.Projects
}

func NewResolver(projects registry.Projects) *Resolver {
	return &Resolver{projects: projects}
}

// Resolve returns the artifact of the live project behind routingKey. Projects
// that are not live resolve to not found.
func (r *Resolver) Resolve(ctx context.Context, routingKey string) (*Artifact, error) {
	p, err := r.projects.GetLiveByRoutingKey(ctx, routingKey)
	if err != nil {
		return nil, err
	}
	if p.ArtifactDir == "" {
		return nil, models.Errorf(models.KindNotFound, "publisher.Resolve", "project %s has no artifact", p.ID)
	}

	return &Artifact{
		ProjectID:  p.ID,
		RoutingKey: p.RoutingKey,
		Dir:        p.ArtifactDir,
	}, nil
}
