package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pier-paas/pier/internal/domain"
)

// Provisioner allocates a managed database for a service. Provisioning is
// delegated entirely; the strategy performs no build or run step of its own.
type Provisioner interface {
	Provision(ctx context.Context, service domain.Service) (ProvisionResult, error)
}

// ProvisionResult describes what the provisioner allocated.
type ProvisionResult struct {
	ImageRef    string
	ContainerID string
}

// DatabaseStrategy hands managed-database services to a Provisioner.
type DatabaseStrategy struct {
	provisioner Provisioner
	logger      *slog.Logger
}

// NewDatabaseStrategy constructs the managed-database strategy.
func NewDatabaseStrategy(provisioner Provisioner, logger *slog.Logger) *DatabaseStrategy {
	if logger != nil {
		logger = logger.With("component", "strategy_database")
	}
	return &DatabaseStrategy{provisioner: provisioner, logger: logger}
}

// Type implements Strategy.
func (s *DatabaseStrategy) Type() domain.ServiceType { return domain.TypeManagedDatabase }

// Deploy implements Strategy.
func (s *DatabaseStrategy) Deploy(ctx context.Context, input DeployInput) (DeployResult, error) {
	if s.provisioner == nil {
		return DeployResult{}, fmt.Errorf("no database provisioner configured")
	}
	provisioned, err := s.provisioner.Provision(ctx, input.Service)
	if err != nil {
		return DeployResult{}, fmt.Errorf("provision database: %w", err)
	}
	s.logger.Info("database provisioned", "service_id", input.Service.ID, "container_id", provisioned.ContainerID, "image", provisioned.ImageRef)
	return DeployResult{ImageTag: provisioned.ImageRef, Success: true}, nil
}
