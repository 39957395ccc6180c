package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	volumeTypes "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/cuemby/tsbx/internal/errs"
)

// DockerAdapter implements Adapter against a Docker-compatible daemon.
type DockerAdapter struct {
	cli *client.Client
}

// NewDockerAdapter connects to the daemon addressed by host (empty uses the
// environment, matching DOCKER_HOST) and verifies connectivity with Ping.
func NewDockerAdapter(ctx context.Context, host string) (*DockerAdapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, errs.Wrap(errs.KindRuntime, fmt.Errorf("connecting to docker daemon: %w", err))
	}
	return &DockerAdapter{cli: cli}, nil
}

func (a *DockerAdapter) Close() error {
	return a.cli.Close()
}

func (a *DockerAdapter) CreateContainer(ctx context.Context, id string, opts CreateOptions) error {
	if _, err := a.cli.ContainerInspect(ctx, id); err == nil {
		if err := a.cli.ContainerRemove(ctx, id, containerTypes.RemoveOptions{Force: true}); err != nil {
			return errs.Wrap(errs.KindRuntime, fmt.Errorf("removing stale container %s: %w", id, err))
		}
	}

	var env []string
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cfg := &containerTypes.Config{
		Image:  opts.Image,
		Env:    env,
		Cmd:    opts.Cmd,
		Labels: opts.Labels,
		Tty:    true,
	}

	var mounts []mount.Mount
	for _, m := range opts.Mounts {
		t := mount.TypeBind
		if m.IsVolume {
			t = mount.TypeVolume
		}
		mounts = append(mounts, mount.Mount{Type: t, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	host := &containerTypes.HostConfig{Mounts: mounts}
	if opts.Limits.MemoryMB > 0 {
		host.Memory = opts.Limits.MemoryMB * 1024 * 1024
	}
	if opts.Limits.CPUCores > 0 {
		host.NanoCPUs = int64(opts.Limits.CPUCores * 1e9)
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, host, nil, nil, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return errs.Wrap(errs.KindNotAvailable, fmt.Errorf("image %s not found: %w", opts.Image, err))
		}
		return errs.Wrap(errs.KindRuntime, fmt.Errorf("creating container: %w", err))
	}
	if err := a.cli.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		return errs.Wrap(errs.KindRuntime, fmt.Errorf("starting container: %w", err))
	}
	return nil
}

// StopAndRemove is idempotent: an already-absent container is success.
func (a *DockerAdapter) StopAndRemove(ctx context.Context, id string) error {
	if _, err := a.cli.ContainerInspect(ctx, id); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return errs.Wrap(errs.KindRuntime, fmt.Errorf("inspecting container %s: %w", id, err))
	}
	if err := a.cli.ContainerRemove(ctx, id, containerTypes.RemoveOptions{Force: true}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return errs.Wrap(errs.KindRuntime, fmt.Errorf("removing container %s: %w", id, err))
	}
	return nil
}

func (a *DockerAdapter) ExecCollect(ctx context.Context, id string, argv []string, opts ExecOptions) (*ExecResult, error) {
	var env []string
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execCfg := containerTypes.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != nil,
		Env:          env,
		WorkingDir:   opts.WorkDir,
	}

	created, err := a.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, fmt.Errorf("starting exec: %w", err))
	}

	attached, err := a.cli.ContainerExecAttach(ctx, created.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, fmt.Errorf("attaching exec: %w", err))
	}
	defer attached.Close()

	if opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(attached.Conn, opts.Stdin)
			_ = attached.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		return nil, errs.Wrap(errs.KindRuntime, fmt.Errorf("reading exec output: %w", err))
	}

	inspect, err := a.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, errs.Wrap(errs.KindRuntime, fmt.Errorf("inspecting exec: %w", err))
	}

	return &ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func (a *DockerAdapter) UploadTar(ctx context.Context, id string, tarBytes io.Reader, dest string) error {
	if err := a.cli.CopyToContainer(ctx, id, dest, tarBytes, containerTypes.CopyToContainerOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return errs.Wrap(errs.KindNotFound, fmt.Errorf("destination %s: %w", dest, err))
		}
		return errs.Wrap(errs.KindRuntime, fmt.Errorf("uploading to container %s: %w", id, err))
	}
	return nil
}

func (a *DockerAdapter) DownloadTar(ctx context.Context, id string, src string) (io.ReadCloser, error) {
	reader, _, err := a.cli.CopyFromContainer(ctx, id, src)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, errs.Wrap(errs.KindNotFound, fmt.Errorf("source %s: %w", src, err))
		}
		return nil, errs.Wrap(errs.KindRuntime, fmt.Errorf("downloading from container %s: %w", id, err))
	}
	return reader, nil
}

// InspectHealth classifies container state, and only reports
// running_responsive once an echo probe round-trips through exec_collect.
func (a *DockerAdapter) InspectHealth(ctx context.Context, id string) (Health, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return HealthAbsent, nil
		}
		return "", errs.Wrap(errs.KindRuntime, fmt.Errorf("inspecting container %s: %w", id, err))
	}
	if !info.State.Running {
		return HealthStopped, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, DefaultHealthProbeTimeout)
	defer cancel()
	result, err := a.ExecCollect(probeCtx, id, []string{"sh", "-c", "echo tsbx-health"}, ExecOptions{})
	if err != nil || result.ExitCode != 0 || !strings.Contains(string(result.Stdout), "tsbx-health") {
		return HealthRunningUnresponsive, nil
	}
	return HealthRunningResponsive, nil
}

func (a *DockerAdapter) CreateVolume(ctx context.Context, name string) error {
	_, err := a.cli.VolumeCreate(ctx, volumeTypes.CreateOptions{Name: name})
	if err != nil {
		return errs.Wrap(errs.KindRuntime, fmt.Errorf("creating volume %s: %w", name, err))
	}
	return nil
}

func (a *DockerAdapter) RemoveVolume(ctx context.Context, name string) error {
	if err := a.cli.VolumeRemove(ctx, name, true); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return errs.Wrap(errs.KindRuntime, fmt.Errorf("removing volume %s: %w", name, err))
	}
	return nil
}

var _ Adapter = (*DockerAdapter)(nil)
