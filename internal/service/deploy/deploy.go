// Package deploy executes queued deploy jobs: it walks a deployment record
// through pending, building, deploying and into a terminal state, running
// the strategy matching the service's type.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pier-paas/pier/internal/apperr"
	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/repository"
	"github.com/pier-paas/pier/internal/service/strategy"
)

// Service orchestrates deployment attempts.
type Service struct {
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	registry    *strategy.Registry
	logger      *slog.Logger
	now         func() time.Time
}

// New constructs a deploy Service.
func New(services repository.ServiceRepository, deployments repository.DeploymentRepository, registry *strategy.Registry, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "deploy")
	}
	return &Service{
		services:    services,
		deployments: deployments,
		registry:    registry,
		logger:      logger,
		now:         time.Now,
	}
}

// Request creates a deployment record for a service and returns it. The
// returned deployment id is what gets enqueued on the deployments queue.
func (s *Service) Request(ctx context.Context, serviceID string) (*domain.Deployment, error) {
	svc, err := s.services.GetServiceByID(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("load service: %w", err)
	}
	if svc.DeletedAt != nil {
		return nil, apperr.Newf(apperr.KindConflict, "service %s is deleted", serviceID)
	}
	dep := &domain.Deployment{
		ID:        uuid.NewString(),
		ServiceID: svc.ID,
		Status:    domain.DeploymentPending,
		StartedAt: s.now().UTC(),
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	return dep, nil
}

// Execute runs the deployment attempt. Safe to repeat: the strategies
// replace their own previous resources by label. A missing or ambiguous
// strategy is a configuration error and fails before any side effect.
func (s *Service) Execute(ctx context.Context, deploymentID string) error {
	dep, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("load deployment: %w", err)
	}
	if dep.Terminal() {
		s.logger.Info("deployment already terminal, skipping", "deployment_id", dep.ID, "status", dep.Status)
		return nil
	}
	svc, err := s.services.GetServiceByID(ctx, dep.ServiceID)
	if err != nil {
		return fmt.Errorf("load service: %w", err)
	}

	strat, err := s.registry.For(svc.Type)
	if err != nil {
		// Configuration error: fail the job with no partial side effects.
		return err
	}

	s.setStatus(ctx, dep, domain.DeploymentBuilding)
	s.setServiceStatus(ctx, svc.ID, domain.StatusBuilding)

	result, runErr := strat.Deploy(ctx, strategy.DeployInput{Service: *svc, Deployment: *dep})

	completedAt := s.now().UTC()
	dep.ImageTag = result.ImageTag
	dep.BuildLog = result.BuildLog
	dep.CompletedAt = &completedAt
	if runErr != nil {
		dep.Status = domain.DeploymentFailed
		dep.Error = runErr.Error()
		if err := s.deployments.UpdateDeployment(ctx, dep); err != nil {
			s.logger.Warn("failed to record deployment failure", "deployment_id", dep.ID, "error", err)
		}
		s.setServiceStatus(ctx, svc.ID, domain.StatusFailed)
		s.logger.Warn("deployment failed", "deployment_id", dep.ID, "service_id", svc.ID, "error", runErr)
		return fmt.Errorf("deploy %s: %w", dep.ID, runErr)
	}

	dep.Status = domain.DeploymentSuccess
	if err := s.deployments.UpdateDeployment(ctx, dep); err != nil {
		return fmt.Errorf("record deployment success: %w", err)
	}
	s.setServiceStatus(ctx, svc.ID, domain.StatusRunning)
	s.logger.Info("deployment succeeded", "deployment_id", dep.ID, "service_id", svc.ID, "image", dep.ImageTag)
	return nil
}

func (s *Service) setStatus(ctx context.Context, dep *domain.Deployment, status domain.DeploymentStatus) {
	dep.Status = status
	if err := s.deployments.UpdateDeployment(ctx, dep); err != nil {
		s.logger.Warn("deployment status update failed", "deployment_id", dep.ID, "status", status, "error", err)
	}
}

func (s *Service) setServiceStatus(ctx context.Context, serviceID string, status domain.ServiceStatus) {
	if err := s.services.UpdateServiceStatus(ctx, serviceID, status); err != nil {
		s.logger.Warn("service status update failed", "service_id", serviceID, "status", status, "error", err)
	}
}
