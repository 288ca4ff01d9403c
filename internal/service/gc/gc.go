// Package gc reclaims disk from dangling images and from deployment images
// past the retention window. Both passes tolerate the races inherent in
// acting on a listing: images that vanished are no-ops and 409 conflicts
// mean something still uses the image.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pier-paas/pier/internal/engine"
	"github.com/pier-paas/pier/internal/repository"
)

// imageEngine is the slice of the engine client the collector needs.
type imageEngine interface {
	ListContainers(ctx context.Context, filter engine.ContainerFilter) ([]engine.ContainerSummary, error)
	ListImages(ctx context.Context, filter engine.ImageFilter) ([]engine.ImageSummary, error)
	RemoveImage(ctx context.Context, id string, force bool) error
	ImageDiskUsage(ctx context.Context) (int64, error)
}

// Config toggles the individual passes.
type Config struct {
	DanglingEnabled  bool
	RetentionEnabled bool
	ImageRetention   time.Duration
}

// Collector runs the image reclaim passes.
type Collector struct {
	engine      imageEngine
	deployments repository.DeploymentRepository
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time
}

// New constructs a Collector.
func New(eng imageEngine, deployments repository.DeploymentRepository, logger *slog.Logger, cfg Config) *Collector {
	if cfg.ImageRetention <= 0 {
		cfg.ImageRetention = 7 * 24 * time.Hour
	}
	if logger != nil {
		logger = logger.With("component", "gc")
	}
	return &Collector{engine: eng, deployments: deployments, logger: logger, cfg: cfg, now: time.Now}
}

// Report summarizes a full garbage collection run.
type Report struct {
	DanglingRemoved int
	DanglingFreed   int64
	RetiredRemoved  int
	RetiredFreed    int64
	DiskUsageBytes  int64
	Errors          []error
}

// Run executes the enabled passes. Listing failures are systemic and abort;
// per-image failures are accumulated and never stop a batch.
func (c *Collector) Run(ctx context.Context) (Report, error) {
	report := Report{}
	if c.cfg.DanglingEnabled {
		if err := c.collectDangling(ctx, &report); err != nil {
			return report, err
		}
	}
	if c.cfg.RetentionEnabled {
		if err := c.collectRetired(ctx, &report); err != nil {
			return report, err
		}
	}
	report.DiskUsageBytes = c.diskUsage(ctx)
	c.logger.Info("garbage collection finished",
		"dangling_removed", report.DanglingRemoved,
		"dangling_freed_bytes", report.DanglingFreed,
		"retired_removed", report.RetiredRemoved,
		"retired_freed_bytes", report.RetiredFreed,
		"errors", len(report.Errors))
	return report, nil
}

// collectDangling removes untagged images left behind by rebuilds of the
// same tag.
func (c *Collector) collectDangling(ctx context.Context, report *Report) error {
	images, err := c.engine.ListImages(ctx, engine.ImageFilter{Dangling: true})
	if err != nil {
		return fmt.Errorf("list dangling images: %w", err)
	}
	for _, img := range images {
		removed, err := c.removeImage(ctx, img.ID, false)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("remove dangling image %s: %w", img.ID, err))
			continue
		}
		if removed {
			report.DanglingRemoved++
			report.DanglingFreed += img.Size
		}
	}
	return nil
}

// collectRetired removes images of deployments older than the retention
// window, skipping each service's latest deployment and anything a running
// container still uses.
func (c *Collector) collectRetired(ctx context.Context, report *Report) error {
	cutoff := c.now().Add(-c.cfg.ImageRetention)
	deployments, err := c.deployments.ListDeploymentsCompletedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list retired deployments: %w", err)
	}
	if len(deployments) == 0 {
		return nil
	}

	inUse, err := c.runningImageIDs(ctx)
	if err != nil {
		return fmt.Errorf("list running containers: %w", err)
	}
	byTag, err := c.imagesByTag(ctx)
	if err != nil {
		return err
	}

	latestByService := make(map[string]string)
	for _, dep := range deployments {
		if dep.ImageTag == "" {
			continue
		}
		latestTag, ok := latestByService[dep.ServiceID]
		if !ok {
			latest, err := c.deployments.LatestDeploymentByService(ctx, dep.ServiceID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("latest deployment for service %s: %w", dep.ServiceID, err))
				continue
			}
			latestTag = latest.ImageTag
			latestByService[dep.ServiceID] = latestTag
		}
		// Equal tags means this deployment is still the one serving traffic.
		if dep.ImageTag == latestTag {
			continue
		}
		img, found := byTag[dep.ImageTag]
		if !found {
			// Already gone: nothing left to reclaim.
			continue
		}
		// Membership is by image id, not tag: tags can be reused while the
		// underlying image still backs a running container.
		if _, busy := inUse[img.ID]; busy {
			continue
		}
		removed, err := c.removeImage(ctx, img.ID, false)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("remove retired image %s: %w", dep.ImageTag, err))
			continue
		}
		if removed {
			report.RetiredRemoved++
			report.RetiredFreed += img.Size
		}
	}
	return nil
}

// removeImage treats "already gone" and 409 conflicts as expected races
// rather than errors. The returned bool reports whether the image was in
// fact removed by this call.
func (c *Collector) removeImage(ctx context.Context, id string, force bool) (bool, error) {
	err := c.engine.RemoveImage(ctx, id, force)
	switch {
	case err == nil:
		return true, nil
	case engine.IsNotFound(err):
		c.logger.Debug("image already gone", "image_id", id)
		return false, nil
	case engine.IsConflict(err):
		c.logger.Debug("image busy, skipping", "image_id", id)
		return false, nil
	default:
		return false, err
	}
}

func (c *Collector) runningImageIDs(ctx context.Context) (map[string]struct{}, error) {
	containers, err := c.engine.ListContainers(ctx, engine.ContainerFilter{})
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(containers))
	for _, container := range containers {
		ids[container.ImageID] = struct{}{}
	}
	return ids, nil
}

func (c *Collector) imagesByTag(ctx context.Context) (map[string]engine.ImageSummary, error) {
	images, err := c.engine.ListImages(ctx, engine.ImageFilter{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	byTag := make(map[string]engine.ImageSummary)
	for _, img := range images {
		for _, tag := range img.Tags {
			byTag[tag] = img
		}
	}
	return byTag, nil
}

// diskUsage degrades to zero rather than failing the run.
func (c *Collector) diskUsage(ctx context.Context) int64 {
	usage, err := c.engine.ImageDiskUsage(ctx)
	if err != nil {
		c.logger.Warn("disk usage reading failed", "error", err)
		return 0
	}
	return usage
}
