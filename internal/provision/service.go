// Package provision wires key generation, recipe synthesis, image builds
// and container creation into one pipeline. A failed attempt rolls back
// everything it created so retrying with the same name starts clean.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/cochaviz/berth/internal/build"
	"github.com/cochaviz/berth/internal/engine"
	"github.com/cochaviz/berth/internal/keys"
	"github.com/cochaviz/berth/internal/models"
	"github.com/cochaviz/berth/internal/ports"
	"github.com/cochaviz/berth/internal/recipe"
)

// ErrNameInUse indicates another provisioning attempt for the same name is
// still in flight in this process.
var ErrNameInUse = errors.New("provisioning already in progress for this name")

// Service runs the provisioning pipeline. All collaborators must be set.
type Service struct {
	Keys   *keys.Manager
	Engine engine.Engine
	Ports  *ports.Allocator
	Builds *build.Orchestrator
	Logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func (s *Service) logger() *slog.Logger {
	if s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) builds() *build.Orchestrator {
	if s.Builds != nil {
		return s.Builds
	}
	return &build.Orchestrator{Engine: s.Engine, Logger: s.Logger}
}

// acquire claims the name for the duration of one attempt. Two concurrent
// attempts for the same name would race on the keypair and the container
// name, so the second one is rejected outright.
func (s *Service) acquire(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = make(map[string]struct{})
	}
	if _, busy := s.inFlight[name]; busy {
		return fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	s.inFlight[name] = struct{}{}
	return nil
}

func (s *Service) release(name string) {
	s.mu.Lock()
	delete(s.inFlight, name)
	s.mu.Unlock()
}

// Provision runs the full pipeline for req and returns the descriptor of
// the started container, SSH command included. When onBuildLog is non-nil
// it receives every build progress line in order. Any failure after the
// first side effect triggers rollback of everything created so far; the
// original failure is returned, with rollback failures joined in.
func (s *Service) Provision(ctx context.Context, req models.ProvisioningRequest, onBuildLog func(line string)) (models.ContainerDescriptor, error) {
	if err := req.Validate(); err != nil {
		return models.ContainerDescriptor{}, err
	}

	name := req.Name
	if err := s.acquire(name); err != nil {
		return models.ContainerDescriptor{}, err
	}
	defer s.release(name)

	attempt := uuid.NewString()
	logger := s.logger().With("name", name, "attempt", attempt)
	logger.Info("provisioning container")

	// An unreachable engine fails every later step; check it before
	// creating anything worth rolling back.
	if err := s.Engine.Ping(ctx); err != nil {
		return models.ContainerDescriptor{}, err
	}

	var undo []func()
	rollback := func(cause error) error {
		logger.Warn("rolling back provisioning attempt", "cause", cause)
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return cause
	}

	keyPair, err := s.Keys.Generate(name)
	if err != nil {
		return models.ContainerDescriptor{}, err
	}
	undo = append(undo, func() {
		if err := s.Keys.Cleanup(name); err != nil {
			logger.Warn("rollback: remove keypair", "error", err)
		}
	})

	recipeText, err := s.synthesize(req, keyPair.PublicKey)
	if err != nil {
		return models.ContainerDescriptor{}, rollback(err)
	}

	tag := build.ImageTag(name)
	if _, err := s.builds().Build(ctx, recipeText, tag, onBuildLog); err != nil {
		return models.ContainerDescriptor{}, rollback(err)
	}
	undo = append(undo, func() {
		// Best effort. A leftover tag is overwritten by the next attempt.
		if err := s.Engine.RemoveImage(ctx, tag); err != nil {
			logger.Warn("rollback: remove image", "tag", tag, "error", err)
		}
	})

	sshPort, err := s.Ports.AllocateSSHPort(ctx)
	if err != nil {
		return models.ContainerDescriptor{}, rollback(err)
	}
	undo = append(undo, func() { s.Ports.Release(sshPort) })

	// Named volumes are created up front so they carry the managed label.
	// They intentionally survive rollback and removal: volume data outlives
	// the disposable container.
	for _, v := range req.Volumes {
		if err := s.Engine.CreateVolume(ctx, v.Name); err != nil {
			return models.ContainerDescriptor{}, rollback(err)
		}
	}

	containerID, err := s.Engine.CreateContainer(ctx, engine.CreateConfig{
		Name:        name,
		Image:       tag,
		Env:         req.Env,
		Volumes:     req.Volumes,
		SSHHostPort: sshPort,
		Labels: map[string]string{
			engine.LabelManaged: "true",
			engine.LabelName:    name,
			engine.LabelSSHPort: strconv.Itoa(sshPort),
		},
	})
	if err != nil {
		return models.ContainerDescriptor{}, rollback(err)
	}
	undo = append(undo, func() {
		if err := s.Engine.RemoveContainer(ctx, containerID, true); err != nil {
			logger.Warn("rollback: remove container", "id", containerID, "error", err)
		}
	})

	if err := s.Engine.StartContainer(ctx, containerID); err != nil {
		return models.ContainerDescriptor{}, rollback(err)
	}

	// The container now holds the port binding itself; the in-process
	// reservation has done its job.
	s.Ports.Release(sshPort)

	descriptor, err := s.Engine.InspectContainer(ctx, containerID)
	if err != nil {
		return models.ContainerDescriptor{}, rollback(err)
	}
	if descriptor.SSHPort == nil {
		descriptor.SSHPort = &sshPort
	}
	descriptor.SSHCommand = models.SSHCommand(*descriptor.SSHPort, keyPair.PrivateKeyPath)

	logger.Info("container provisioned", "id", descriptor.ID, "ssh_port", *descriptor.SSHPort)
	return descriptor, nil
}

// Build runs only the front half of the pipeline: key generation, recipe
// synthesis and the image build. The container is not created; a later
// Provision for the same name regenerates the key and overwrites the tag.
// Useful for validating a recipe and warming the build cache.
func (s *Service) Build(ctx context.Context, req models.ProvisioningRequest, onBuildLog func(line string)) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	name := req.Name
	if err := s.acquire(name); err != nil {
		return "", err
	}
	defer s.release(name)

	if err := s.Engine.Ping(ctx); err != nil {
		return "", err
	}

	keyPair, err := s.Keys.Generate(name)
	if err != nil {
		return "", err
	}

	recipeText, err := s.synthesize(req, keyPair.PublicKey)
	if err != nil {
		if cleanupErr := s.Keys.Cleanup(name); cleanupErr != nil {
			return "", errors.Join(err, cleanupErr)
		}
		return "", err
	}

	tag := build.ImageTag(name)
	if _, err := s.builds().Build(ctx, recipeText, tag, onBuildLog); err != nil {
		if cleanupErr := s.Keys.Cleanup(name); cleanupErr != nil {
			return "", errors.Join(err, cleanupErr)
		}
		return "", err
	}
	return tag, nil
}

func (s *Service) synthesize(req models.ProvisioningRequest, publicKey string) (string, error) {
	if req.Recipe != "" {
		return recipe.FromUserRecipe(req.Recipe, publicKey)
	}
	return recipe.FromImage(req.Image, publicKey)
}

// Inspect returns the descriptor for a managed container, with the SSH
// command filled in when both a port and a key are present.
func (s *Service) Inspect(ctx context.Context, nameOrID string) (models.ContainerDescriptor, error) {
	descriptor, err := s.Engine.InspectContainer(ctx, nameOrID)
	if err != nil {
		return models.ContainerDescriptor{}, err
	}
	s.attachSSHCommand(&descriptor)
	return descriptor, nil
}

// List returns descriptors for all managed containers.
func (s *Service) List(ctx context.Context) ([]models.ContainerDescriptor, error) {
	descriptors, err := s.Engine.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range descriptors {
		s.attachSSHCommand(&descriptors[i])
	}
	return descriptors, nil
}

func (s *Service) attachSSHCommand(descriptor *models.ContainerDescriptor) {
	if descriptor.SSHPort == nil || descriptor.Name == "" {
		return
	}
	keyPath := s.Keys.PrivateKeyPath(descriptor.Name)
	if _, err := s.Keys.Read(descriptor.Name); err != nil {
		return
	}
	descriptor.SSHCommand = models.SSHCommand(*descriptor.SSHPort, keyPath)
}

// Stop stops a managed container without touching its image or keypair.
func (s *Service) Stop(ctx context.Context, nameOrID string) error {
	descriptor, err := s.Engine.InspectContainer(ctx, nameOrID)
	if err != nil {
		return err
	}
	return s.Engine.StopContainer(ctx, descriptor.ID)
}

// Start starts a previously stopped managed container.
func (s *Service) Start(ctx context.Context, nameOrID string) error {
	descriptor, err := s.Engine.InspectContainer(ctx, nameOrID)
	if err != nil {
		return err
	}
	return s.Engine.StartContainer(ctx, descriptor.ID)
}

// Remove force-removes a managed container and deletes its keypair and
// image tag. The container is resolved first so the keypair of an unknown
// name is left alone.
func (s *Service) Remove(ctx context.Context, nameOrID string) error {
	descriptor, err := s.Engine.InspectContainer(ctx, nameOrID)
	if err != nil {
		return err
	}

	if err := s.Engine.RemoveContainer(ctx, descriptor.ID, true); err != nil {
		return err
	}

	var cleanupErrs []error
	if descriptor.Name != "" {
		if err := s.Keys.Cleanup(descriptor.Name); err != nil {
			cleanupErrs = append(cleanupErrs, err)
		}
		if err := s.Engine.RemoveImage(ctx, build.ImageTag(descriptor.Name)); err != nil {
			s.logger().Debug("remove image after container removal", "name", descriptor.Name, "error", err)
		}
	}
	return errors.Join(cleanupErrs...)
}

// PrivateKey returns the PEM-encoded private key for a container name.
func (s *Service) PrivateKey(name string) ([]byte, error) {
	return s.Keys.Read(name)
}
