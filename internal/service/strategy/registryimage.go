package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/engine"
)

// RegistryStrategy runs a prebuilt image pulled from a registry. There is no
// build step; the pull log doubles as the build log.
type RegistryStrategy struct {
	engine ContainerEngine
	logger *slog.Logger
}

// NewRegistryStrategy constructs the pull-prebuilt strategy.
func NewRegistryStrategy(eng ContainerEngine, logger *slog.Logger) *RegistryStrategy {
	if logger != nil {
		logger = logger.With("component", "strategy_registry")
	}
	return &RegistryStrategy{engine: eng, logger: logger}
}

// Type implements Strategy.
func (s *RegistryStrategy) Type() domain.ServiceType { return domain.TypeRegistryImage }

// Deploy implements Strategy.
func (s *RegistryStrategy) Deploy(ctx context.Context, input DeployInput) (DeployResult, error) {
	pullLog := &buildLogCollector{}
	result := DeployResult{ImageTag: input.Service.ImageRef}
	if input.Service.ImageRef == "" {
		return result, fmt.Errorf("registry image service %s has no image reference", input.Service.ID)
	}

	if err := s.engine.PullImage(ctx, input.Service.ImageRef, pullLog.append); err != nil {
		result.BuildLog = pullLog.String()
		return result, fmt.Errorf("pull image: %w", err)
	}
	result.BuildLog = pullLog.String()

	if err := replaceServiceContainers(ctx, s.engine, s.logger, input.Service.ID, false); err != nil {
		return result, err
	}

	containerID, err := s.engine.CreateContainer(ctx, engine.ContainerSpec{
		Name:          containerName(input.Service.Name, input.Service.ID),
		Image:         input.Service.ImageRef,
		Env:           input.Service.Env,
		Labels:        serviceLabels(input),
		Port:          input.Service.Port,
		RestartAlways: true,
	})
	if err != nil {
		return result, fmt.Errorf("create container: %w", err)
	}
	if err := s.engine.StartContainer(ctx, containerID); err != nil {
		return result, fmt.Errorf("start container: %w", err)
	}

	s.logger.Info("registry image deployed", "service_id", input.Service.ID, "deployment_id", input.Deployment.ID, "image", input.Service.ImageRef)
	result.Success = true
	return result, nil
}
