// Package lifecycle drives the soft-delete retention machine and the
// subscription suspension machine over the same Service records. Cleanup
// errors never block the retention guarantee: a service row past its window
// is deleted even when container teardown partially fails.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pier-paas/pier/internal/apperr"
	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/engine"
	"github.com/pier-paas/pier/internal/repository"
)

// reclaimEngine is the slice of the engine client hard deletion needs.
type reclaimEngine interface {
	ListContainers(ctx context.Context, filter engine.ContainerFilter) ([]engine.ContainerSummary, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	ListVolumes(ctx context.Context, labels map[string]string) ([]engine.VolumeSummary, error)
	RemoveVolume(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, id string, force bool) error
	ListImages(ctx context.Context, filter engine.ImageFilter) ([]engine.ImageSummary, error)
}

// Manager runs service deletion lifecycle transitions.
type Manager struct {
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	engine      reclaimEngine
	logger      *slog.Logger
	retention   time.Duration
	now         func() time.Time
}

// New constructs a Manager with the given retention window (30 days default).
func New(services repository.ServiceRepository, deployments repository.DeploymentRepository, eng reclaimEngine, logger *slog.Logger, retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if logger != nil {
		logger = logger.With("component", "lifecycle")
	}
	return &Manager{
		services:    services,
		deployments: deployments,
		engine:      eng,
		logger:      logger,
		retention:   retention,
		now:         time.Now,
	}
}

// SoftDelete marks a service deleted, starting its retention countdown.
// Delete-protected services cannot be soft-deleted.
func (m *Manager) SoftDelete(ctx context.Context, serviceID string) error {
	svc, err := m.services.GetServiceByID(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("load service: %w", err)
	}
	if svc.DeleteProtected {
		return apperr.Newf(apperr.KindConflict, "service %s is delete-protected", serviceID)
	}
	if svc.DeletedAt != nil {
		return nil
	}
	if err := m.services.MarkServiceDeleted(ctx, serviceID, m.now().UTC()); err != nil {
		return fmt.Errorf("mark service deleted: %w", err)
	}
	m.logger.Info("service soft-deleted", "service_id", serviceID)
	return nil
}

// PurgeReport summarizes a hard-delete batch.
type PurgeReport struct {
	Scanned int
	Deleted int
	Errors  []error
}

// PurgeExpired hard-deletes every service whose soft-delete timestamp is
// past the retention window. Per-service failures are logged and the batch
// continues; the count reflects services whose top-level record was deleted
// even when some cleanup sub-steps failed.
func (m *Manager) PurgeExpired(ctx context.Context) (PurgeReport, error) {
	report := PurgeReport{}
	cutoff := m.now().UTC().Add(-m.retention)
	expired, err := m.services.ListServicesDeletedBefore(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("list expired services: %w", err)
	}
	report.Scanned = len(expired)

	for _, svc := range expired {
		if err := m.purgeService(ctx, svc); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("purge service %s: %w", svc.ID, err))
			m.logger.Warn("service purge failed", "service_id", svc.ID, "error", err)
			continue
		}
		report.Deleted++
	}
	if report.Scanned > 0 {
		m.logger.Info("expired services purged", "scanned", report.Scanned, "deleted", report.Deleted, "errors", len(report.Errors))
	}
	return report, nil
}

func (m *Manager) purgeService(ctx context.Context, svc domain.Service) error {
	m.reclaimContainers(ctx, svc)
	if svc.Type == domain.TypeComposeStack {
		m.reclaimVolumes(ctx, svc.ID)
	}
	m.reclaimImages(ctx, svc.ID)

	if err := m.deployments.DeleteDeploymentsByService(ctx, svc.ID); err != nil {
		return fmt.Errorf("delete deployment records: %w", err)
	}
	if err := m.services.DeleteService(ctx, svc.ID); err != nil {
		return fmt.Errorf("delete service record: %w", err)
	}
	m.logger.Info("service hard-deleted", "service_id", svc.ID)
	return nil
}

// reclaimContainers stops and removes all labeled containers. Failures are
// logged and do not abort the purge.
func (m *Manager) reclaimContainers(ctx context.Context, svc domain.Service) {
	containers, err := m.engine.ListContainers(ctx, engine.ContainerFilter{
		All:    true,
		Labels: map[string]string{engine.LabelServiceID: svc.ID},
	})
	if err != nil {
		m.logger.Warn("list containers for purge failed", "service_id", svc.ID, "error", err)
		return
	}
	for _, c := range containers {
		if err := m.engine.StopContainer(ctx, c.ID); err != nil {
			m.logger.Warn("stop container for purge failed", "service_id", svc.ID, "container_id", c.ID, "error", err)
		}
		if err := m.engine.RemoveContainer(ctx, c.ID); err != nil {
			m.logger.Warn("remove container for purge failed", "service_id", svc.ID, "container_id", c.ID, "error", err)
		}
	}
}

func (m *Manager) reclaimVolumes(ctx context.Context, serviceID string) {
	volumes, err := m.engine.ListVolumes(ctx, map[string]string{engine.LabelServiceID: serviceID})
	if err != nil {
		m.logger.Warn("list volumes for purge failed", "service_id", serviceID, "error", err)
		return
	}
	for _, v := range volumes {
		if err := m.engine.RemoveVolume(ctx, v.Name); err != nil {
			m.logger.Warn("remove volume for purge failed", "service_id", serviceID, "volume", v.Name, "error", err)
		}
	}
}

// reclaimImages opportunistically removes the service's deployment images.
// Conflicts and vanished images are expected and skipped quietly.
func (m *Manager) reclaimImages(ctx context.Context, serviceID string) {
	tagPrefix := fmt.Sprintf("pier/%s:", serviceID)
	images, err := m.engine.ListImages(ctx, engine.ImageFilter{})
	if err != nil {
		m.logger.Warn("list images for purge failed", "service_id", serviceID, "error", err)
		return
	}
	for _, img := range images {
		owned := false
		for _, tag := range img.Tags {
			if len(tag) >= len(tagPrefix) && tag[:len(tagPrefix)] == tagPrefix {
				owned = true
				break
			}
		}
		if !owned {
			continue
		}
		if err := m.engine.RemoveImage(ctx, img.ID, true); err != nil {
			if engine.IsNotFound(err) || engine.IsConflict(err) {
				m.logger.Debug("image reclaim race", "image_id", img.ID)
				continue
			}
			m.logger.Warn("remove image for purge failed", "service_id", serviceID, "image_id", img.ID, "error", err)
		}
	}
}
