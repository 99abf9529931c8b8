package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grape/models"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisPublish(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestRedis(t)

	sub := client.Subscribe(ctx, ProjectChannel("p1"), OwnerChannel("alice"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pub := NewRedis(client)
	require.NoError(t, pub.Publish(ctx, Event{ProjectID: "p1", OwnerID: "alice", Status: models.StatusBuilding, At: at}))

	assert.Equal(t, "building", mr.HGet(statusHashKey, "p1"))

	channels := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		channels[msg.Channel] = true

		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "p1", got.ProjectID)
		assert.Equal(t, models.StatusBuilding, got.Status)
		assert.True(t, at.Equal(got.At))
	}
	assert.True(t, channels["grape:projects:p1"])
	assert.True(t, channels["grape:owners:alice"])
}

func TestRedisPublishFailsWhenServerIsGone(t *testing.T) {
	client, mr := setupTestRedis(t)
	mr.Close()

	err := NewRedis(client).Publish(context.Background(), Event{ProjectID: "p1", OwnerID: "alice", Status: models.StatusFailed})
	assert.Error(t, err)
}

func TestNopPublish(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{ProjectID: "p1"}))
}
