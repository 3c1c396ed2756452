// Package engine defines the contract against the container engine. The
// provisioning pipeline only ever talks to this interface so tests can
// substitute an in-memory fake for the real daemon.
package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cochaviz/berth/internal/models"
)

// Labels identifying resources owned by this system on a shared engine.
const (
	LabelManaged = "com.cochaviz.berth.managed"
	LabelName    = "com.cochaviz.berth.name"
	LabelSSHPort = "com.cochaviz.berth.ssh-port"
)

// Errors surfaced at the engine boundary. ErrEngineUnreachable is fatal
// for the whole request and distinct from per-resource failures.
var (
	ErrEngineUnreachable     = errors.New("container engine unreachable")
	ErrContainerNotFound     = errors.New("container not found")
	ErrContainerCreateFailed = errors.New("container create failed")
	ErrPortConflict          = errors.New("host port already bound")
)

// CreateConfig holds parameters for creating a managed container.
type CreateConfig struct {
	Name        string
	Image       string
	Env         map[string]string
	Volumes     []models.VolumeMount
	SSHHostPort int
	Labels      map[string]string
}

// ImageSummary describes an engine-side image.
type ImageSummary struct {
	ID        string
	Tags      []string
	CreatedAt time.Time
	SizeBytes int64
}

// VolumeSummary describes an engine-side volume.
type VolumeSummary struct {
	Name       string
	Driver     string
	Mountpoint string
}

// Engine abstracts container engine operations.
// Production: docker.Engine wrapping a Docker API client.
// Testing: fake.Engine recording calls in memory.
type Engine interface {
	// Daemon health
	Ping(ctx context.Context) error

	// Image build and lifecycle
	BuildImage(ctx context.Context, buildContext io.Reader, tag string, onLog func(line string)) error
	ListImages(ctx context.Context) ([]ImageSummary, error)
	RemoveImage(ctx context.Context, ref string) error
	PullImage(ctx context.Context, ref string) error

	// Container lifecycle
	CreateContainer(ctx context.Context, cfg CreateConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, idOrName string) (models.ContainerDescriptor, error)
	ListContainers(ctx context.Context) ([]models.ContainerDescriptor, error)

	// PublishedPorts reports every host port published by any container on
	// the engine, managed or not.
	PublishedPorts(ctx context.Context) (map[int]struct{}, error)

	// Volumes
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	ListVolumes(ctx context.Context) ([]VolumeSummary, error)

	Close() error
}
