// Package fake provides an in-memory engine.Engine for tests. Every call
// is recorded so tests can assert on call counts and ordering, and every
// method has an error hook for failure injection.
package fake

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/berth/internal/engine"
	"github.com/cochaviz/berth/internal/models"
)

var _ engine.Engine = (*Engine)(nil)

type containerState struct {
	ID     string
	Config engine.CreateConfig
	State  models.ContainerState
}

// Engine is an in-memory implementation of engine.Engine.
type Engine struct {
	CallRecorder
	mu         sync.Mutex
	nextID     int
	containers map[string]*containerState
	images     map[string]bool
	volumes    map[string]bool
	published  map[int]struct{}

	// BuildLogLines is replayed to the onLog callback on every build.
	BuildLogLines []string

	PingErr            func(ctx context.Context) error
	BuildImageErr      func(ctx context.Context, tag string) error
	ListImagesErr      func(ctx context.Context) error
	RemoveImageErr     func(ctx context.Context, ref string) error
	PullImageErr       func(ctx context.Context, ref string) error
	CreateContainerErr func(ctx context.Context, cfg engine.CreateConfig) error
	StartContainerErr  func(ctx context.Context, id string) error
	StopContainerErr   func(ctx context.Context, id string) error
	RemoveContainerErr func(ctx context.Context, id string) error
	InspectErr         func(ctx context.Context, idOrName string) error
	ListContainersErr  func(ctx context.Context) error
	PublishedPortsErr  func(ctx context.Context) error
	CreateVolumeErr    func(ctx context.Context, name string) error
	RemoveVolumeErr    func(ctx context.Context, name string) error
	ListVolumesErr     func(ctx context.Context) error
}

// New creates an empty fake engine.
func New() *Engine {
	return &Engine{
		containers: make(map[string]*containerState),
		images:     make(map[string]bool),
		volumes:    make(map[string]bool),
		published:  make(map[int]struct{}),
	}
}

// OccupyPort marks a host port as published by some unmanaged container.
func (e *Engine) OccupyPort(port int) {
	e.mu.Lock()
	e.published[port] = struct{}{}
	e.mu.Unlock()
}

// HasImage reports whether a build or pull produced the given tag.
func (e *Engine) HasImage(tag string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[tag]
}

func (e *Engine) Ping(ctx context.Context) error {
	e.record("Ping")
	if e.PingErr != nil {
		if err := e.PingErr(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) BuildImage(ctx context.Context, buildContext io.Reader, tag string, onLog func(string)) error {
	e.record("BuildImage", tag)
	if buildContext != nil {
		_, _ = io.Copy(io.Discard, buildContext)
	}
	for _, line := range e.BuildLogLines {
		if onLog != nil {
			onLog(line)
		}
	}
	if e.BuildImageErr != nil {
		if err := e.BuildImageErr(ctx, tag); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.images[tag] = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) ListImages(ctx context.Context) ([]engine.ImageSummary, error) {
	e.record("ListImages")
	if e.ListImagesErr != nil {
		if err := e.ListImagesErr(ctx); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var summaries []engine.ImageSummary
	for tag := range e.images {
		summaries = append(summaries, engine.ImageSummary{
			ID:        "sha256:" + tag,
			Tags:      []string{tag},
			CreatedAt: time.Now(),
		})
	}
	return summaries, nil
}

func (e *Engine) RemoveImage(ctx context.Context, ref string) error {
	e.record("RemoveImage", ref)
	if e.RemoveImageErr != nil {
		if err := e.RemoveImageErr(ctx, ref); err != nil {
			return err
		}
	}
	e.mu.Lock()
	delete(e.images, ref)
	e.mu.Unlock()
	return nil
}

func (e *Engine) PullImage(ctx context.Context, ref string) error {
	e.record("PullImage", ref)
	if e.PullImageErr != nil {
		if err := e.PullImageErr(ctx, ref); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.images[ref] = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) CreateContainer(ctx context.Context, cfg engine.CreateConfig) (string, error) {
	e.record("CreateContainer", cfg)
	if e.CreateContainerErr != nil {
		if err := e.CreateContainerErr(ctx, cfg); err != nil {
			return "", err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, taken := e.published[cfg.SSHHostPort]; taken {
		return "", fmt.Errorf("%w: port %d", engine.ErrPortConflict, cfg.SSHHostPort)
	}

	e.nextID++
	id := fmt.Sprintf("fake-%04d", e.nextID)
	e.containers[id] = &containerState{ID: id, Config: cfg, State: models.StateCreated}
	e.published[cfg.SSHHostPort] = struct{}{}
	return id, nil
}

func (e *Engine) StartContainer(ctx context.Context, id string) error {
	e.record("StartContainer", id)
	if e.StartContainerErr != nil {
		if err := e.StartContainerErr(ctx, id); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrContainerNotFound, id)
	}
	cs.State = models.StateRunning
	return nil
}

func (e *Engine) StopContainer(ctx context.Context, id string) error {
	e.record("StopContainer", id)
	if e.StopContainerErr != nil {
		if err := e.StopContainerErr(ctx, id); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrContainerNotFound, id)
	}
	cs.State = models.StateStopped
	return nil
}

func (e *Engine) RemoveContainer(ctx context.Context, id string, force bool) error {
	e.record("RemoveContainer", id, force)
	if e.RemoveContainerErr != nil {
		if err := e.RemoveContainerErr(ctx, id); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs, ok := e.containers[id]
	if !ok {
		return nil
	}
	delete(e.published, cs.Config.SSHHostPort)
	delete(e.containers, id)
	return nil
}

func (e *Engine) InspectContainer(ctx context.Context, idOrName string) (models.ContainerDescriptor, error) {
	e.record("InspectContainer", idOrName)
	if e.InspectErr != nil {
		if err := e.InspectErr(ctx, idOrName); err != nil {
			return models.ContainerDescriptor{}, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cs := e.lookupLocked(idOrName)
	if cs == nil {
		return models.ContainerDescriptor{}, fmt.Errorf("%w: %s", engine.ErrContainerNotFound, idOrName)
	}
	return e.describeLocked(cs), nil
}

func (e *Engine) ListContainers(ctx context.Context) ([]models.ContainerDescriptor, error) {
	e.record("ListContainers")
	if e.ListContainersErr != nil {
		if err := e.ListContainersErr(ctx); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var descriptors []models.ContainerDescriptor
	for _, cs := range e.containers {
		descriptors = append(descriptors, e.describeLocked(cs))
	}
	return descriptors, nil
}

func (e *Engine) PublishedPorts(ctx context.Context) (map[int]struct{}, error) {
	e.record("PublishedPorts")
	if e.PublishedPortsErr != nil {
		if err := e.PublishedPortsErr(ctx); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	occupied := make(map[int]struct{}, len(e.published))
	for port := range e.published {
		occupied[port] = struct{}{}
	}
	return occupied, nil
}

func (e *Engine) CreateVolume(ctx context.Context, name string) error {
	e.record("CreateVolume", name)
	if e.CreateVolumeErr != nil {
		if err := e.CreateVolumeErr(ctx, name); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.volumes[name] = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) RemoveVolume(ctx context.Context, name string) error {
	e.record("RemoveVolume", name)
	if e.RemoveVolumeErr != nil {
		if err := e.RemoveVolumeErr(ctx, name); err != nil {
			return err
		}
	}
	e.mu.Lock()
	delete(e.volumes, name)
	e.mu.Unlock()
	return nil
}

func (e *Engine) ListVolumes(ctx context.Context) ([]engine.VolumeSummary, error) {
	e.record("ListVolumes")
	if e.ListVolumesErr != nil {
		if err := e.ListVolumesErr(ctx); err != nil {
			return nil, err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var summaries []engine.VolumeSummary
	for name := range e.volumes {
		summaries = append(summaries, engine.VolumeSummary{Name: name, Driver: "local"})
	}
	return summaries, nil
}

func (e *Engine) Close() error {
	e.record("Close")
	return nil
}

func (e *Engine) lookupLocked(idOrName string) *containerState {
	if cs, ok := e.containers[idOrName]; ok {
		return cs
	}
	for _, cs := range e.containers {
		if cs.Config.Name == idOrName {
			return cs
		}
	}
	return nil
}

func (e *Engine) describeLocked(cs *containerState) models.ContainerDescriptor {
	port := cs.Config.SSHHostPort
	descriptor := models.ContainerDescriptor{
		ID:        cs.ID,
		Name:      cs.Config.Name,
		Image:     cs.Config.Image,
		Status:    string(cs.State),
		State:     cs.State,
		CreatedAt: time.Now(),
	}
	if port != 0 {
		descriptor.SSHPort = &port
	}
	descriptor.Volumes = append(descriptor.Volumes, cs.Config.Volumes...)
	return descriptor
}

// Call records one engine invocation.
type Call struct {
	Method string
	Args   []any
}

// CallRecorder collects engine invocations for assertions.
type CallRecorder struct {
	callMu sync.Mutex
	calls  []Call
}

func (r *CallRecorder) record(method string, args ...any) {
	r.callMu.Lock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
	r.callMu.Unlock()
}

// Calls returns a copy of all recorded invocations in order.
func (r *CallRecorder) Calls() []Call {
	r.callMu.Lock()
	defer r.callMu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallCount returns how many times method was invoked.
func (r *CallRecorder) CallCount(method string) int {
	count := 0
	for _, call := range r.Calls() {
		if call.Method == method {
			count++
		}
	}
	return count
}

// CallNames renders the invocation sequence, for readable test failures.
func (r *CallRecorder) CallNames() string {
	names := make([]string, 0)
	for _, call := range r.Calls() {
		names = append(names, call.Method)
	}
	return strings.Join(names, ",")
}
