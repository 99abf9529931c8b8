package builds

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/lucsky/cuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"grape/utils"
)

const (
	containerSourceDir = "/src"
	containerOutputDir = "/out"
	defaultPidsLimit   = 512
	removeTimeout      = 30 * time.Second
)

// DockerAPI is the subset of the docker client the runner drives.
type DockerAPI interface {
	utils.ContainerRemover
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options types.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, types.ContainerPathStat, error)
}

// DockerRunner runs the build tool inside a throwaway container. The source
// tree is mounted read-only and only the output directory is writable.
// With CopyFiles the directories are copied in and out through the API
// instead, for daemons that cannot see the local filesystem.
type DockerRunner struct {
	Client    DockerAPI
	Image     string
	Command   []string
	MemoryMB  int64
	CPUs      float64
	PidsLimit int64
	CopyFiles bool
	Logger    *logrus.Logger
}

func (r *DockerRunner) Run(ctx context.Context, spec BuildSpec, out io.Writer) error {
	name := fmt.Sprintf("build_%s", cuid.New())

	resp, err := r.Client.ContainerCreate(
		ctx,
		r.containerConfig(spec),
		r.hostConfig(spec),
		nil,
		nil,
		name,
	)
	if err != nil {
		return fmt.Errorf("creating build container: %w", err)
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer cancel()
		if err := utils.KillAndRemoveContainer(rctx, r.Client, resp.ID); err != nil && r.Logger != nil {
			r.Logger.WithField("container", name).Warnf("cannot remove build container: %v", err)
		}
	}()

	if r.CopyFiles {
		if err := r.copyIn(ctx, resp.ID, spec); err != nil {
			return fmt.Errorf("copying sources into build container: %w", err)
		}
	}

	if err := r.Client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting build container: %w", err)
	}

	logs, err := r.Client.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("attaching to build container: %w", err)
	}

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(out, out, logs)
	}()
	defer func() {
		logs.Close()
		<-copied
	}()

	statusCh, errCh := r.Client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("waiting for build container: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	case status := <-statusCh:
		<-copied
		if status.Error != nil {
			return fmt.Errorf("build container: %s", status.Error.Message)
		}
		if status.StatusCode != 0 {
			return &ExitError{Code: int(status.StatusCode)}
		}
		if r.CopyFiles {
			if err := r.copyOut(ctx, resp.ID, spec.OutputDir); err != nil {
				return fmt.Errorf("copying build output: %w", err)
			}
		}
		return nil
	}
}

// copyIn uploads the source tree and an empty output directory to the
// container root, renamed to their in-container names.
func (r *DockerRunner) copyIn(ctx context.Context, containerID string, spec BuildSpec) error {
	dirs := []struct{ host, target string }{
		{spec.SourceDir, containerSourceDir},
		{spec.OutputDir, containerOutputDir},
	}

	for _, d := range dirs {
		content, err := archive.TarResourceRebase(d.host, strings.TrimPrefix(d.target, "/"))
		if err != nil {
			return err
		}
		err = r.Client.CopyToContainer(ctx, containerID, "/", content, types.CopyToContainerOptions{})
		content.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// copyOut replaces outputDir with the container's output directory. The
// archive is unpacked next to outputDir first; Untar refuses entries that
// would land outside of it.
func (r *DockerRunner) copyOut(ctx context.Context, containerID, outputDir string) error {
	content, _, err := r.Client.CopyFromContainer(ctx, containerID, containerOutputDir)
	if err != nil {
		return err
	}
	defer content.Close()

	staging, err := os.MkdirTemp(filepath.Dir(outputDir), ".copy-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if err := archive.Untar(content, staging, &archive.TarOptions{NoLchown: true}); err != nil {
		return err
	}

	if err := os.RemoveAll(outputDir); err != nil {
		return err
	}
	return os.Rename(filepath.Join(staging, filepath.Base(containerOutputDir)), outputDir)
}

func (r *DockerRunner) containerConfig(spec BuildSpec) *container.Config {
	cmd := make([]string, 0, len(r.Command)+2)
	cmd = append(cmd, r.Command...)
	cmd = append(cmd, containerSourceDir, containerOutputDir)

	return &container.Config{
		Image:      r.Image,
		Cmd:        cmd,
		Env:        spec.Env,
		WorkingDir: containerSourceDir,
		Labels: map[string]string{
			"ai.grape.project": spec.ProjectID,
		},
	}
}

func (r *DockerRunner) hostConfig(spec BuildSpec) *container.HostConfig {
	pids := r.PidsLimit
	if pids <= 0 {
		pids = defaultPidsLimit
	}

	host := &container.HostConfig{
		Resources: container.Resources{
			Memory:    r.MemoryMB << 20,
			NanoCPUs:  int64(r.CPUs * 1e9),
			PidsLimit: &pids,
		},
	}
	if r.CopyFiles {
		return host
	}

	host.Mounts = []mount.Mount{
		{
			Type:     mount.TypeBind,
			Source:   spec.SourceDir,
			Target:   containerSourceDir,
			ReadOnly: true,
		},
		{
			Type:   mount.TypeBind,
			Source: spec.OutputDir,
			Target: containerOutputDir,
		},
	}
	return host
}
