// Package config assembles the concrete components into ready-to-use
// services. It is the only package that knows both the wiring and the
// default directories.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/berth/internal/build"
	"github.com/cochaviz/berth/internal/engine/docker"
	"github.com/cochaviz/berth/internal/keys"
	"github.com/cochaviz/berth/internal/logging"
	"github.com/cochaviz/berth/internal/models"
	"github.com/cochaviz/berth/internal/ports"
	"github.com/cochaviz/berth/internal/provision"
	"github.com/cochaviz/berth/internal/repositories/local"
	"github.com/cochaviz/berth/internal/setup"
)

// NewService wires a provisioning service against the local Docker-
// compatible engine. The returned close function releases the engine
// connection.
func NewService(cfg setup.Config, logger *slog.Logger) (*provision.Service, func() error, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	eng, err := docker.New()
	if err != nil {
		return nil, nil, fmt.Errorf("connect to container engine: %w", err)
	}

	service := &provision.Service{
		Keys: &keys.Manager{
			BaseDir: cfg.KeyDir,
			Logger:  logger.With("service", "keys"),
		},
		Engine: eng,
		Ports: &ports.Allocator{
			Engine: eng,
			Logger: logger.With("service", "ports"),
			Start:  cfg.PortRangeStart,
			Count:  cfg.PortRangeCount,
			TTL:    2 * time.Minute,
		},
		Builds: &build.Orchestrator{
			Engine: eng,
			Logger: logger.With("service", "build"),
		},
		Logger: logger.With("service", "provision"),
	}
	return service, eng.Close, nil
}

// RecipeRepository returns the saved-recipe store for cfg.
func RecipeRepository(cfg setup.Config) *local.LocalRecipeRepository {
	return &local.LocalRecipeRepository{BaseDir: cfg.RecipeDir}
}

// Provision executes the end-to-end flow for one provisioning request.
func Provision(ctx context.Context, cfg setup.Config, req models.ProvisioningRequest, onBuildLog func(line string), logger *slog.Logger) (models.ContainerDescriptor, error) {
	service, closeEngine, err := NewService(cfg, logger)
	if err != nil {
		return models.ContainerDescriptor{}, err
	}
	defer closeEngine()

	return service.Provision(ctx, req, onBuildLog)
}

// Build runs key generation, recipe synthesis and the image build without
// creating a container.
func Build(ctx context.Context, cfg setup.Config, req models.ProvisioningRequest, onBuildLog func(line string), logger *slog.Logger) (string, error) {
	service, closeEngine, err := NewService(cfg, logger)
	if err != nil {
		return "", err
	}
	defer closeEngine()

	return service.Build(ctx, req, onBuildLog)
}

// List returns descriptors for all managed containers.
func List(ctx context.Context, cfg setup.Config, logger *slog.Logger) ([]models.ContainerDescriptor, error) {
	service, closeEngine, err := NewService(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer closeEngine()

	return service.List(ctx)
}

// Inspect returns the descriptor for one managed container.
func Inspect(ctx context.Context, cfg setup.Config, nameOrID string, logger *slog.Logger) (models.ContainerDescriptor, error) {
	service, closeEngine, err := NewService(cfg, logger)
	if err != nil {
		return models.ContainerDescriptor{}, err
	}
	defer closeEngine()

	return service.Inspect(ctx, nameOrID)
}

// Stop stops a managed container.
func Stop(ctx context.Context, cfg setup.Config, nameOrID string, logger *slog.Logger) error {
	service, closeEngine, err := NewService(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	return service.Stop(ctx, nameOrID)
}

// Start starts a previously stopped managed container.
func Start(ctx context.Context, cfg setup.Config, nameOrID string, logger *slog.Logger) error {
	service, closeEngine, err := NewService(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	return service.Start(ctx, nameOrID)
}

// Remove removes a managed container together with its keypair and image.
func Remove(ctx context.Context, cfg setup.Config, nameOrID string, logger *slog.Logger) error {
	service, closeEngine, err := NewService(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	return service.Remove(ctx, nameOrID)
}

// PrivateKey returns the PEM-encoded private key for a container name.
func PrivateKey(cfg setup.Config, name string) ([]byte, error) {
	manager := &keys.Manager{BaseDir: cfg.KeyDir}
	return manager.Read(name)
}
