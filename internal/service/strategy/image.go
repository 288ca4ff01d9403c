package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/engine"
	"github.com/pier-paas/pier/internal/git"
	"github.com/pier-paas/pier/internal/workspace"
)

// ImageStrategy builds a container image from the service's source
// repository and starts one container exposing the declared port.
type ImageStrategy struct {
	engine     ContainerEngine
	workspace  *workspace.Manager
	logger     *slog.Logger
	gitTimeout time.Duration
}

// NewImageStrategy constructs the build-from-source strategy.
func NewImageStrategy(eng ContainerEngine, ws *workspace.Manager, logger *slog.Logger, gitTimeout time.Duration) *ImageStrategy {
	if logger != nil {
		logger = logger.With("component", "strategy_image")
	}
	return &ImageStrategy{engine: eng, workspace: ws, logger: logger, gitTimeout: gitTimeout}
}

// Type implements Strategy.
func (s *ImageStrategy) Type() domain.ServiceType { return domain.TypeContainerImage }

// Deploy implements Strategy. A failed build aborts before any container is
// started; a failed start keeps the built image around for inspection.
func (s *ImageStrategy) Deploy(ctx context.Context, input DeployInput) (DeployResult, error) {
	buildLog := &buildLogCollector{}
	tag := imageTag(input.Service.ID, input.Deployment.ID)
	result := DeployResult{ImageTag: tag}

	dir, err := s.workspace.Prepare(input.Deployment.ID)
	if err != nil {
		return result, fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if err := s.workspace.Cleanup(dir); err != nil {
			s.logger.Warn("workspace cleanup failed", "deployment_id", input.Deployment.ID, "error", err)
		}
	}()

	cloneCtx := ctx
	if s.gitTimeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, s.gitTimeout)
		defer cancel()
	}
	if err := git.Clone(cloneCtx, input.Service.RepoURL, input.Service.Branch, dir); err != nil {
		result.BuildLog = buildLog.String()
		return result, fmt.Errorf("clone source: %w", err)
	}

	spec := serviceBuildSpec{
		BuildCommand: input.Service.BuildCommand,
		StartCommand: input.Service.StartCommand,
		Port:         input.Service.Port,
	}
	if err := ensureDockerfile(dir, spec); err != nil {
		result.BuildLog = buildLog.String()
		return result, err
	}

	if err := s.engine.BuildImage(ctx, dir, []string{tag}, nil, buildLog.append); err != nil {
		result.BuildLog = buildLog.String()
		return result, fmt.Errorf("build image: %w", err)
	}
	result.BuildLog = buildLog.String()

	if err := replaceServiceContainers(ctx, s.engine, s.logger, input.Service.ID, false); err != nil {
		return result, err
	}

	containerID, err := s.engine.CreateContainer(ctx, engine.ContainerSpec{
		Name:          containerName(input.Service.Name, input.Service.ID),
		Image:         tag,
		Env:           input.Service.Env,
		Labels:        serviceLabels(input),
		Port:          input.Service.Port,
		RestartAlways: true,
	})
	if err != nil {
		return result, fmt.Errorf("create container: %w", err)
	}
	if err := s.engine.StartContainer(ctx, containerID); err != nil {
		// Keep the built image so the failure can be inspected.
		return result, fmt.Errorf("start container: %w", err)
	}

	s.logger.Info("service deployed", "service_id", input.Service.ID, "deployment_id", input.Deployment.ID, "image", tag, "container_id", containerID)
	result.Success = true
	return result, nil
}
