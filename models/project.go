package models

import (
	"time"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusBuilding Status = "building"
	StatusLive     Status = "live"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is one of the known project states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusBuilding, StatusLive, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no transition exists out of s.
func (s Status) IsTerminal() bool {
	return s == StatusLive || s == StatusFailed
}

// Predecessor returns the only state a project may be in before entering s.
// Queued has no predecessor: it is the state a project is created in.
func (s Status) Predecessor() (Status, bool) {
	switch s {
	case StatusBuilding:
		return StatusQueued, true
	case StatusLive, StatusFailed:
		return StatusBuilding, true
	}
	return "", false
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	from, ok := next.Predecessor()
	return ok && from == s
}

// Project is a single deployment: one upload, one build attempt, one routing destination.
type Project struct {
	ID            string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	OwnerID       string     `gorm:"type:varchar(64);not null;index:idx_projects_owner_created,priority:1" json:"owner_id"`
	Name          string     `gorm:"not null" json:"name"`
	Status        Status     `gorm:"type:varchar(16);not null;index" json:"status"`
	RoutingKey    string     `gorm:"type:varchar(255);not null;uniqueIndex" json:"routing_key"`
	ArchiveSize   int64      `gorm:"not null;default:0" json:"archive_size"`
	ArchiveDigest string     `gorm:"type:varchar(64)" json:"archive_digest,omitempty"`
	ArtifactDir   string     `gorm:"type:varchar(1024)" json:"-"`
	BuildLog      string     `gorm:"type:text;not null;default:''" json:"build_log"`
	CreatedAt     time.Time  `gorm:"not null;index:idx_projects_owner_created,priority:2" json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// ProjectDescriptor is the listing view of a project. It never carries the build log.
type ProjectDescriptor struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	RoutingKey string    `json:"routing_key"`
	CreatedAt  time.Time `json:"created_at"`
}

func (p Project) Descriptor() ProjectDescriptor {
	return ProjectDescriptor{
		ID:         p.ID,
		Name:       p.Name,
		Status:     p.Status,
		RoutingKey: p.RoutingKey,
		CreatedAt:  p.CreatedAt,
	}
}

// RoutingKeyFor derives the public hostname of a project from its id.
func RoutingKeyFor(projectID, platformDomain string) string {
	return projectID + "." + platformDomain
}

type ProjectKind string

const (
	KindNextJS  ProjectKind = "nextjs"
	KindVite    ProjectKind = "vite"
	KindCRA     ProjectKind = "cra"
	KindNode    ProjectKind = "node"
	KindStatic  ProjectKind = "static"
	KindUnknown ProjectKind = "unknown"
)

// Definition is the subset of package.json the build pipeline looks at.
type Definition struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}
