// Package events announces project status changes to interested listeners.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"grape/models"
)

const (
	projectChannelPrefix = "grape:projects:" // grape:projects:{project_id}
	ownerChannelPrefix   = "grape:owners:"   // grape:owners:{owner_id}
	statusHashKey        = "grape:status"    // project_id -> latest status
)

type Event struct {
	ProjectID string        `json:"project_id"`
	OwnerID   string        `json:"owner_id"`
	Status    models.Status `json:"status"`
	At        time.Time     `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func ProjectChannel(projectID string) string {
	return projectChannelPrefix + projectID
}

func OwnerChannel(ownerID string) string {
	return ownerChannelPrefix + ownerID
}

type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, statusHashKey, e.ProjectID, string(e.Status))
	pipe.Publish(ctx, ProjectChannel(e.ProjectID), payload)
	pipe.Publish(ctx, OwnerChannel(e.OwnerID), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
