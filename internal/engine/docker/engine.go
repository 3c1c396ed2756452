// Package docker implements the engine contract against the Docker Engine
// API. It is the only package that imports the Docker SDK.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"

	"github.com/cochaviz/berth/internal/engine"
	"github.com/cochaviz/berth/internal/models"
)

var _ engine.Engine = (*Engine)(nil)

const sshContainerPort = nat.Port("22/tcp")

// Engine wraps a Docker API client. Construct one per process and pass it
// by reference into every component; nothing reaches for a global client.
type Engine struct {
	cli client.APIClient
}

// New creates an Engine with a Docker client configured from the
// environment (DOCKER_HOST and friends).
func New() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// NewFromClient wraps an existing Docker client.
func NewFromClient(cli client.APIClient) *Engine {
	return &Engine{cli: cli}
}

func (e *Engine) Ping(ctx context.Context) error {
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrEngineUnreachable, err)
	}
	return nil
}

// BuildImage submits a tar build context and follows the progress stream,
// forwarding each log line to onLog in emission order. It returns only
// after the engine reports the stream finished; a stream-reported error
// fails the build.
func (e *Engine) BuildImage(ctx context.Context, buildContext io.Reader, tag string, onLog func(line string)) error {
	resp, err := e.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("submit build for %q: %w", tag, err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read build stream for %q: %w", tag, err)
		}
		if msg.Error != nil {
			return fmt.Errorf("build %q: %s", tag, msg.Error.Message)
		}
		if onLog == nil {
			continue
		}
		if line := strings.TrimRight(msg.Stream, "\n"); line != "" {
			onLog(line)
		} else if msg.Status != "" {
			onLog(msg.Status)
		}
	}
}

func (e *Engine) ListImages(ctx context.Context) ([]engine.ImageSummary, error) {
	args := filters.NewArgs(filters.Arg("label", engine.LabelManaged+"=true"))
	images, err := e.cli.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	summaries := make([]engine.ImageSummary, 0, len(images))
	for _, img := range images {
		summaries = append(summaries, engine.ImageSummary{
			ID:        img.ID,
			Tags:      img.RepoTags,
			CreatedAt: time.Unix(img.Created, 0),
			SizeBytes: img.Size,
		})
	}
	return summaries, nil
}

func (e *Engine) RemoveImage(ctx context.Context, ref string) error {
	_, err := e.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove image %q: %w", ref, err)
	}
	return nil
}

func (e *Engine) PullImage(ctx context.Context, ref string) error {
	resp, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	defer resp.Close()
	if _, err := io.Copy(io.Discard, resp); err != nil {
		return fmt.Errorf("pull image %q: read response: %w", ref, err)
	}
	return nil
}

func (e *Engine) CreateContainer(ctx context.Context, cfg engine.CreateConfig) (string, error) {
	env := make([]string, 0, len(cfg.Env))
	for key, value := range cfg.Env {
		env = append(env, key+"="+value)
	}

	labels := map[string]string{
		engine.LabelManaged: "true",
		engine.LabelName:    cfg.Name,
		engine.LabelSSHPort: strconv.Itoa(cfg.SSHHostPort),
	}
	for key, value := range cfg.Labels {
		labels[key] = value
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{sshContainerPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			sshContainerPort: []nat.PortBinding{{
				HostIP:   "0.0.0.0",
				HostPort: strconv.Itoa(cfg.SSHHostPort),
			}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	for _, v := range cfg.Volumes {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: v.Name,
			Target: v.MountPath,
		})
	}

	created, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		if isPortConflict(err) {
			return "", fmt.Errorf("%w: port %d: %v", engine.ErrPortConflict, cfg.SSHHostPort, err)
		}
		return "", fmt.Errorf("%w: %q: %v", engine.ErrContainerCreateFailed, cfg.Name, err)
	}
	return created.ID, nil
}

func (e *Engine) StartContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if isPortConflict(err) {
			return fmt.Errorf("%w: container %s: %v", engine.ErrPortConflict, id, err)
		}
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (e *Engine) StopContainer(ctx context.Context, id string) error {
	if err := e.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", engine.ErrContainerNotFound, id)
		}
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (e *Engine) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func (e *Engine) InspectContainer(ctx context.Context, idOrName string) (models.ContainerDescriptor, error) {
	info, err := e.cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return models.ContainerDescriptor{}, fmt.Errorf("%w: %s", engine.ErrContainerNotFound, idOrName)
		}
		return models.ContainerDescriptor{}, fmt.Errorf("inspect container %q: %w", idOrName, err)
	}

	descriptor := models.ContainerDescriptor{
		ID:    info.ID,
		Name:  strings.TrimPrefix(info.Name, "/"),
		State: models.StateCreated,
	}
	if info.Config != nil {
		descriptor.Image = info.Config.Image
		if name, ok := info.Config.Labels[engine.LabelName]; ok {
			descriptor.Name = name
		}
	}
	if info.State != nil {
		descriptor.Status = info.State.Status
		descriptor.State = mapState(info.State.Status)
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		descriptor.CreatedAt = created
	}
	if info.NetworkSettings != nil {
		if bindings := info.NetworkSettings.Ports[sshContainerPort]; len(bindings) > 0 {
			if port, err := strconv.Atoi(bindings[0].HostPort); err == nil {
				descriptor.SSHPort = &port
			}
		}
	}
	for _, m := range info.Mounts {
		if m.Type != mount.TypeVolume {
			continue
		}
		descriptor.Volumes = append(descriptor.Volumes, models.VolumeMount{
			Name:      m.Name,
			MountPath: m.Destination,
		})
	}
	return descriptor, nil
}

func (e *Engine) ListContainers(ctx context.Context) ([]models.ContainerDescriptor, error) {
	args := filters.NewArgs(filters.Arg("label", engine.LabelManaged+"=true"))
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	descriptors := make([]models.ContainerDescriptor, 0, len(containers))
	for _, c := range containers {
		descriptor := models.ContainerDescriptor{
			ID:        c.ID,
			Image:     c.Image,
			Status:    c.Status,
			State:     mapState(string(c.State)),
			CreatedAt: time.Unix(c.Created, 0),
		}
		if name, ok := c.Labels[engine.LabelName]; ok {
			descriptor.Name = name
		} else if len(c.Names) > 0 {
			descriptor.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, p := range c.Ports {
			if p.PrivatePort == 22 && p.PublicPort != 0 {
				port := int(p.PublicPort)
				descriptor.SSHPort = &port
				break
			}
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}

// PublishedPorts collects every host port bound by any container on the
// engine, whether managed by this system or not.
func (e *Engine) PublishedPorts(ctx context.Context) (map[int]struct{}, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list published ports: %w", err)
	}

	occupied := make(map[int]struct{})
	for _, c := range containers {
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				occupied[int(p.PublicPort)] = struct{}{}
			}
		}
	}
	return occupied, nil
}

func (e *Engine) CreateVolume(ctx context.Context, name string) error {
	_, err := e.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: map[string]string{engine.LabelManaged: "true"},
	})
	if err != nil {
		return fmt.Errorf("create volume %q: %w", name, err)
	}
	return nil
}

func (e *Engine) RemoveVolume(ctx context.Context, name string) error {
	if err := e.cli.VolumeRemove(ctx, name, false); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove volume %q: %w", name, err)
	}
	return nil
}

func (e *Engine) ListVolumes(ctx context.Context) ([]engine.VolumeSummary, error) {
	args := filters.NewArgs(filters.Arg("label", engine.LabelManaged+"=true"))
	resp, err := e.cli.VolumeList(ctx, volume.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}

	summaries := make([]engine.VolumeSummary, 0, len(resp.Volumes))
	for _, v := range resp.Volumes {
		summaries = append(summaries, engine.VolumeSummary{
			Name:       v.Name,
			Driver:     v.Driver,
			Mountpoint: v.Mountpoint,
		})
	}
	return summaries, nil
}

func (e *Engine) Close() error {
	return e.cli.Close()
}

func mapState(status string) models.ContainerState {
	switch status {
	case "running", "restarting":
		return models.StateRunning
	case "exited", "paused":
		return models.StateStopped
	case "dead":
		return models.StateFailed
	case "created":
		return models.StateCreated
	default:
		return models.ContainerState(status)
	}
}

// isPortConflict detects the engine rejecting a host port binding that
// lost the allocation race. The engine only reports this at bind time, so
// it arrives as an opaque error string.
func isPortConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}
