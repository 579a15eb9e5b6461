// Package runner provides sandbox container provisioning and task
// orchestration.
package runner

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// OwnerLabel marks containers created by this harness so clean can find
// strays after a crash.
const OwnerLabel = "gauntlet.task"

// DockerClient wraps the Docker SDK client with harness-specific operations.
type DockerClient struct {
	client *client.Client
}

// NewDockerClient creates a new Docker client and verifies the daemon is accessible.
func NewDockerClient() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	// Verify Docker daemon is accessible immediately to fail fast
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not accessible (is Docker running?): %w", err)
	}

	return &DockerClient{client: cli}, nil
}

// Close closes the Docker client.
func (d *DockerClient) Close() error {
	return d.client.Close()
}

// Ping checks if the Docker daemon is accessible.
func (d *DockerClient) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// ImageExists checks if an image exists locally.
func (d *DockerClient) ImageExists(ctx context.Context, imageName string) (bool, error) {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("listing images: %w", err)
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageName {
				return true, nil
			}
		}
	}

	return false, nil
}

// PullImage pulls an image from a registry.
func (d *DockerClient) PullImage(ctx context.Context, imageName string) error {
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the output to wait for completion
	_, err = io.Copy(io.Discard, reader)
	if err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	return nil
}

// EnsureImage ensures an image is available locally, pulling if necessary.
func (d *DockerClient) EnsureImage(ctx context.Context, imageName string, autoPull bool) error {
	exists, err := d.ImageExists(ctx, imageName)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	if !autoPull {
		return fmt.Errorf("image %s not found locally and auto-pull is disabled", imageName)
	}

	return d.PullImage(ctx, imageName)
}

// ContainerConfig holds configuration for creating a sandbox container.
type ContainerConfig struct {
	Image        string
	Name         string
	Env          []string
	Labels       map[string]string
	InternalPort int
	HostPort     int
}

// CreateContainer creates a sandbox container with its server port bound
// to the loopback interface. The sandbox image starts its own server, so
// the image entrypoint is left alone.
func (d *DockerClient) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(cfg.InternalPort))
	if err != nil {
		return "", fmt.Errorf("invalid sandbox port: %w", err)
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Env:          cfg.Env,
		Labels:       cfg.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(cfg.HostPort),
			}},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	return resp.ID, nil
}

// StartContainer starts a container.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// RemoveContainer removes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// CopyFiles writes the given files into destDir inside the container.
func (d *DockerClient) CopyFiles(ctx context.Context, containerID, destDir string, files map[string][]byte) error {
	archive, err := tarArchive(files)
	if err != nil {
		return fmt.Errorf("building archive: %w", err)
	}

	if err := d.client.CopyToContainer(ctx, containerID, destDir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying files to container: %w", err)
	}
	return nil
}

// ContainerState describes whether a container is still running.
type ContainerState struct {
	Running  bool
	ExitCode int
}

// State inspects a container's run state, used to tell a crashed sandbox
// from one that is merely slow to become ready.
func (d *DockerClient) State(ctx context.Context, containerID string) (ContainerState, error) {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerState{}, fmt.Errorf("inspecting container: %w", err)
	}

	st := ContainerState{}
	if info.State != nil {
		st.Running = info.State.Running
		st.ExitCode = info.State.ExitCode
	}
	return st, nil
}

// Logs returns the last tail lines of a container's combined output.
func (d *DockerClient) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	rc, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	defer func() { _ = rc.Close() }()

	// The stream is multiplexed when the container runs without a TTY.
	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, rc); err != nil {
		return "", fmt.Errorf("demultiplexing container logs: %w", err)
	}
	return combined.String(), nil
}

// OwnedContainers lists containers carrying the harness ownership label,
// running or not.
func (d *DockerClient) OwnedContainers(ctx context.Context) ([]container.Summary, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", OwnerLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return list, nil
}

// tarArchive builds an in-memory tar stream of name to content pairs, in
// deterministic order.
func tarArchive(files map[string][]byte) (*bytes.Buffer, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(files[name])),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("writing header for %s: %w", name, err)
		}
		if _, err := tw.Write(files[name]); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}

	return &buf, nil
}
