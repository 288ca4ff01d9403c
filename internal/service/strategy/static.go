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

const staticServePort = 80

// StaticStrategy builds a static bundle and serves its output directory on
// port 80. Static services have no start command; the serving image provides
// the entrypoint.
type StaticStrategy struct {
	engine     ContainerEngine
	workspace  *workspace.Manager
	logger     *slog.Logger
	gitTimeout time.Duration
}

// NewStaticStrategy constructs the static-bundle strategy.
func NewStaticStrategy(eng ContainerEngine, ws *workspace.Manager, logger *slog.Logger, gitTimeout time.Duration) *StaticStrategy {
	if logger != nil {
		logger = logger.With("component", "strategy_static")
	}
	return &StaticStrategy{engine: eng, workspace: ws, logger: logger, gitTimeout: gitTimeout}
}

// Type implements Strategy.
func (s *StaticStrategy) Type() domain.ServiceType { return domain.TypeStaticBundle }

// Deploy implements Strategy.
func (s *StaticStrategy) Deploy(ctx context.Context, input DeployInput) (DeployResult, error) {
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
		return result, fmt.Errorf("clone source: %w", err)
	}

	spec := staticBundleSpec{
		BuildCommand: input.Service.BuildCommand,
		OutputDir:    input.Service.OutputDir,
	}
	if err := writeStaticDockerfile(dir, spec); err != nil {
		return result, fmt.Errorf("write dockerfile: %w", err)
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
		Labels:        serviceLabels(input),
		Port:          staticServePort,
		RestartAlways: true,
	})
	if err != nil {
		return result, fmt.Errorf("create container: %w", err)
	}
	if err := s.engine.StartContainer(ctx, containerID); err != nil {
		return result, fmt.Errorf("start container: %w", err)
	}

	s.logger.Info("static bundle deployed", "service_id", input.Service.ID, "deployment_id", input.Deployment.ID, "image", tag)
	result.Success = true
	return result, nil
}
