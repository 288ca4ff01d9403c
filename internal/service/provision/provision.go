// Package provision allocates managed database containers. It implements
// the collaborator the managed-database deployment strategy delegates to.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/engine"
	"github.com/pier-paas/pier/internal/service/strategy"
)

// engineClient is the slice of the engine client the provisioner needs.
type engineClient interface {
	ListContainers(ctx context.Context, filter engine.ContainerFilter) ([]engine.ContainerSummary, error)
	CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	PullImage(ctx context.Context, ref string, onOutput engine.OutputCallback) error
}

// Known database engines and their default images and ports.
var databaseImages = map[string]databaseImage{
	"postgres": {ref: "postgres:16-alpine", port: 5432},
	"mysql":    {ref: "mysql:8", port: 3306},
	"redis":    {ref: "redis:7-alpine", port: 6379},
	"mongodb":  {ref: "mongo:7", port: 27017},
}

type databaseImage struct {
	ref  string
	port int
}

// DockerProvisioner runs managed databases as labeled containers on the
// local engine. Provisioning is idempotent: any previous container for the
// service is replaced.
type DockerProvisioner struct {
	engine engineClient
	logger *slog.Logger
}

// New constructs a DockerProvisioner.
func New(eng engineClient, logger *slog.Logger) *DockerProvisioner {
	if logger != nil {
		logger = logger.With("component", "provisioner")
	}
	return &DockerProvisioner{engine: eng, logger: logger}
}

var _ strategy.Provisioner = (*DockerProvisioner)(nil)

// Provision implements strategy.Provisioner. The service's ImageRef selects
// the database engine, either as a known engine name or a full image ref.
func (p *DockerProvisioner) Provision(ctx context.Context, service domain.Service) (strategy.ProvisionResult, error) {
	ref, port, err := resolveImage(service)
	if err != nil {
		return strategy.ProvisionResult{}, err
	}

	if err := p.engine.PullImage(ctx, ref, nil); err != nil {
		return strategy.ProvisionResult{}, fmt.Errorf("pull database image: %w", err)
	}

	previous, err := p.engine.ListContainers(ctx, engine.ContainerFilter{
		All:    true,
		Labels: map[string]string{engine.LabelServiceID: service.ID},
	})
	if err != nil {
		return strategy.ProvisionResult{}, fmt.Errorf("list previous database containers: %w", err)
	}
	for _, c := range previous {
		if err := p.engine.StopContainer(ctx, c.ID); err != nil {
			p.logger.Warn("stop previous database failed", "service_id", service.ID, "container_id", c.ID, "error", err)
		}
		if err := p.engine.RemoveContainer(ctx, c.ID); err != nil {
			return strategy.ProvisionResult{}, fmt.Errorf("remove previous database container: %w", err)
		}
	}

	containerID, err := p.engine.CreateContainer(ctx, engine.ContainerSpec{
		Name:  "pier-db-" + shortID(service.ID),
		Image: ref,
		Env:   service.Env,
		Labels: map[string]string{
			engine.LabelManaged:   "true",
			engine.LabelServiceID: service.ID,
		},
		Port:          port,
		RestartAlways: true,
	})
	if err != nil {
		return strategy.ProvisionResult{}, fmt.Errorf("create database container: %w", err)
	}
	if err := p.engine.StartContainer(ctx, containerID); err != nil {
		return strategy.ProvisionResult{}, fmt.Errorf("start database container: %w", err)
	}
	return strategy.ProvisionResult{ImageRef: ref, ContainerID: containerID}, nil
}

func resolveImage(service domain.Service) (string, int, error) {
	ref := strings.TrimSpace(service.ImageRef)
	if ref == "" {
		return "", 0, fmt.Errorf("managed database service %s has no engine selection", service.ID)
	}
	if known, ok := databaseImages[strings.ToLower(ref)]; ok {
		port := service.Port
		if port == 0 {
			port = known.port
		}
		return known.ref, port, nil
	}
	return ref, service.Port, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
