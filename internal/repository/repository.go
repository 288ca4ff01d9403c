package repository

import (
	"context"
	"time"

	"github.com/pier-paas/pier/internal/domain"
)

// ServiceRepository persists services.
type ServiceRepository interface {
	CreateService(ctx context.Context, service *domain.Service) error
	GetServiceByID(ctx context.Context, id string) (*domain.Service, error)
	UpdateServiceStatus(ctx context.Context, id string, status domain.ServiceStatus) error
	MarkServiceDeleted(ctx context.Context, id string, deletedAt time.Time) error
	ListServicesByOwner(ctx context.Context, ownerKey string) ([]domain.Service, error)
	ListServicesDeletedBefore(ctx context.Context, cutoff time.Time) ([]domain.Service, error)
	DeleteService(ctx context.Context, id string) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	LatestDeploymentByService(ctx context.Context, serviceID string) (*domain.Deployment, error)
	ListDeploymentsCompletedBefore(ctx context.Context, cutoff time.Time) ([]domain.Deployment, error)
	DeleteDeploymentsByService(ctx context.Context, serviceID string) error
}

// UsageRepository appends usage records. Records are write-once.
type UsageRepository interface {
	InsertUsageRecords(ctx context.Context, records []domain.UsageRecord) error
	ListUsageByService(ctx context.Context, serviceID string, from, to time.Time) ([]domain.UsageRecord, error)
}

// SubscriptionRepository persists billing subscriptions.
type SubscriptionRepository interface {
	ListSubscriptions(ctx context.Context, statuses []domain.SubscriptionStatus) ([]domain.Subscription, error)
	GetSubscriptionByOwner(ctx context.Context, ownerKey string) (*domain.Subscription, error)
	SetLastWarningAt(ctx context.Context, id string, at time.Time) error
	SetLastSuspendedAt(ctx context.Context, id string, at time.Time) error
}
