// Package metering samples running containers on a fixed interval and turns
// cumulative engine counters into per-interval usage quantities. Network and
// block counters are deltas against the cached previous sample; a container
// with no prior sample contributes zero this cycle so a fresh cache can
// never bill a "total since epoch" spike.
package metering

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/engine"
	"github.com/pier-paas/pier/internal/notify"
	"github.com/pier-paas/pier/internal/repository"
)

const bytesPerGB = 1024 * 1024 * 1024

// statsEngine is the slice of the engine client the collector needs.
type statsEngine interface {
	ListContainers(ctx context.Context, filter engine.ContainerFilter) ([]engine.ContainerSummary, error)
	ContainerStats(ctx context.Context, id string) (engine.StatCounters, error)
}

// Collector runs one metering cycle at a time.
type Collector struct {
	engine        statsEngine
	cache         SampleCache
	usage         repository.UsageRepository
	services      repository.ServiceRepository
	subscriptions repository.SubscriptionRepository
	billing       notify.BillingSink
	logger        *slog.Logger

	interval         time.Duration
	billingThreshold float64
	now              func() time.Time
}

// New constructs a Collector.
func New(eng statsEngine, cache SampleCache, usage repository.UsageRepository, services repository.ServiceRepository, subscriptions repository.SubscriptionRepository, billing notify.BillingSink, logger *slog.Logger, interval time.Duration, billingThreshold float64) *Collector {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if billingThreshold <= 0 {
		billingThreshold = 0.2
	}
	if logger != nil {
		logger = logger.With("component", "metering")
	}
	return &Collector{
		engine:           eng,
		cache:            cache,
		usage:            usage,
		services:         services,
		subscriptions:    subscriptions,
		billing:          billing,
		logger:           logger,
		interval:         interval,
		billingThreshold: billingThreshold,
		now:              time.Now,
	}
}

// CycleReport summarizes one collection cycle.
type CycleReport struct {
	Containers      int
	SkippedStats    int
	RecordsInserted int
	BillingReported int
	BillingFailed   int
}

// serviceUsage accumulates raw readings per service before aggregation.
type serviceUsage struct {
	runningContainers int
	memoryMB          float64
	bandwidthBytes    int64
	storageBytes      int64
}

// Collect executes one metering cycle. Per-container stats failures are
// isolated; engine or store unavailability fails the cycle for the broker
// to retry.
func (c *Collector) Collect(ctx context.Context) (CycleReport, error) {
	report := CycleReport{}
	periodEnd := c.now().UTC()
	periodStart := periodEnd.Add(-c.interval)

	containers, err := c.engine.ListContainers(ctx, engine.ContainerFilter{
		Labels: map[string]string{engine.LabelServiceID: ""},
	})
	if err != nil {
		return report, fmt.Errorf("list metered containers: %w", err)
	}
	report.Containers = len(containers)

	cacheDown := false
	perService := make(map[string]*serviceUsage)
	for _, container := range containers {
		serviceID := container.Labels[engine.LabelServiceID]
		if serviceID == "" {
			continue
		}
		counters, err := c.engine.ContainerStats(ctx, container.ID)
		if err != nil {
			report.SkippedStats++
			c.logger.Warn("container stats failed", "container_id", container.ID, "service_id", serviceID, "error", err)
			continue
		}

		usage := perService[serviceID]
		if usage == nil {
			usage = &serviceUsage{}
			perService[serviceID] = usage
		}
		usage.runningContainers++
		usage.memoryMB += float64(counters.MemoryBytes) / (1024 * 1024)

		previous, err := c.cache.GetSample(ctx, container.ID)
		if err != nil {
			// Degrade to the first-sample policy when the cache is down:
			// zero contribution this cycle, never a spike.
			previous = nil
			if !cacheDown {
				cacheDown = true
				c.logger.Warn("sample cache unavailable, treating all containers as first samples", "error", err)
			}
		}
		if previous != nil {
			usage.bandwidthBytes += counterDelta(counters.NetworkRxBytes, previous.NetworkRxBytes)
			usage.bandwidthBytes += counterDelta(counters.NetworkTxBytes, previous.NetworkTxBytes)
			usage.storageBytes += counterDelta(counters.BlockReadBytes, previous.BlockReadBytes)
			usage.storageBytes += counterDelta(counters.BlockWriteBytes, previous.BlockWriteBytes)
		}

		sample := CachedSample{
			NetworkRxBytes:  counters.NetworkRxBytes,
			NetworkTxBytes:  counters.NetworkTxBytes,
			BlockReadBytes:  counters.BlockReadBytes,
			BlockWriteBytes: counters.BlockWriteBytes,
			Timestamp:       periodEnd,
		}
		if err := c.cache.PutSample(ctx, container.ID, sample); err != nil {
			c.logger.Warn("failed to cache sample", "container_id", container.ID, "error", err)
		}
	}

	records := c.buildRecords(perService, periodStart, periodEnd)
	if len(records) > 0 {
		if err := c.usage.InsertUsageRecords(ctx, records); err != nil {
			return report, fmt.Errorf("insert usage records: %w", err)
		}
	}
	report.RecordsInserted = len(records)

	reported, failed, err := c.reportToBilling(ctx, records, periodStart, periodEnd)
	report.BillingReported = reported
	report.BillingFailed = failed
	if err != nil {
		return report, err
	}
	return report, nil
}

// counterDelta clamps at zero so counter resets on container restart never
// produce negative or spuriously huge readings.
func counterDelta(current, previous int64) int64 {
	if current < previous {
		return 0
	}
	return current - previous
}

func (c *Collector) buildRecords(perService map[string]*serviceUsage, periodStart, periodEnd time.Time) []domain.UsageRecord {
	intervalHours := c.interval.Minutes() / 60
	records := make([]domain.UsageRecord, 0, len(perService)*4)
	appendRecord := func(serviceID string, metric domain.MetricKind, quantity float64) {
		// Zero quantities are never persisted.
		if quantity <= 0 {
			return
		}
		records = append(records, domain.UsageRecord{
			ID:          uuid.NewString(),
			ServiceID:   serviceID,
			Metric:      metric,
			Quantity:    quantity,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			CreatedAt:   periodEnd,
		})
	}
	for serviceID, usage := range perService {
		appendRecord(serviceID, domain.MetricComputeHours, intervalHours*float64(usage.runningContainers))
		appendRecord(serviceID, domain.MetricMemoryGBHours, (usage.memoryMB/1024)*intervalHours)
		appendRecord(serviceID, domain.MetricBandwidthGB, float64(usage.bandwidthBytes)/bytesPerGB)
		appendRecord(serviceID, domain.MetricStorageGB, float64(usage.storageBytes)/bytesPerGB)
	}
	return records
}

// reportToBilling aggregates records per owning subscription and posts one
// report each. Individual failures are logged and counted; a failure rate
// above the threshold is systemic and fails the cycle.
func (c *Collector) reportToBilling(ctx context.Context, records []domain.UsageRecord, periodStart, periodEnd time.Time) (reported, failed int, err error) {
	if c.billing == nil || len(records) == 0 {
		return 0, 0, nil
	}

	perOwner := make(map[string]map[domain.MetricKind]float64)
	ownerless := make(map[string]struct{})
	for _, record := range records {
		svc, err := c.services.GetServiceByID(ctx, record.ServiceID)
		if err != nil {
			c.logger.Warn("service lookup for billing failed", "service_id", record.ServiceID, "error", err)
			continue
		}
		owner := svc.OwnerKey()
		if owner == "" {
			ownerless[record.ServiceID] = struct{}{}
			continue
		}
		quantities := perOwner[owner]
		if quantities == nil {
			quantities = make(map[domain.MetricKind]float64)
			perOwner[owner] = quantities
		}
		quantities[record.Metric] += record.Quantity
	}
	for serviceID := range ownerless {
		c.logger.Warn("service has no owner, usage not billed", "service_id", serviceID)
	}

	for owner, quantities := range perOwner {
		subscription, err := c.subscriptions.GetSubscriptionByOwner(ctx, owner)
		if err != nil {
			failed++
			c.logger.Warn("subscription lookup failed", "owner", owner, "error", err)
			continue
		}
		usageReport := notify.UsageReport{
			SubscriptionID: subscription.ID,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
			Quantities:     quantities,
		}
		if err := c.billing.ReportUsage(ctx, usageReport); err != nil {
			failed++
			c.logger.Warn("billing report failed", "subscription_id", subscription.ID, "error", err)
			continue
		}
		reported++
	}

	total := reported + failed
	if total > 0 && float64(failed)/float64(total) > c.billingThreshold {
		return reported, failed, fmt.Errorf("billing sink failure rate %.0f%% exceeds threshold: %d of %d reports failed",
			100*float64(failed)/float64(total), failed, total)
	}
	return reported, failed, nil
}
