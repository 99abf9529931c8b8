package utils

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to setup docker client: %w", err)
	}
	return cli, nil
}

// ContainerRemover is the part of the docker client needed to tear a container down.
type ContainerRemover interface {
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// KillAndRemoveContainer force-stops a container and removes it with its volumes.
// A container that already exited is still removed.
func KillAndRemoveContainer(ctx context.Context, cli ContainerRemover, containerID string) error {
	killErr := cli.ContainerKill(ctx, containerID, "SIGKILL")

	if err := cli.ContainerRemove(
		ctx,
		containerID,
		types.ContainerRemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		},
	); err != nil {
		if killErr != nil && !client.IsErrNotFound(killErr) {
			return fmt.Errorf("failed to stop the container: %w", killErr)
		}
		return fmt.Errorf("failed to remove the container: %w", err)
	}

	return nil
}
