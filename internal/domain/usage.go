package domain

import "time"

// MetricKind identifies a billable usage dimension.
type MetricKind string

// Usage metric kinds.
const (
	MetricComputeHours  MetricKind = "compute_hours"
	MetricMemoryGBHours MetricKind = "memory_gb_hours"
	MetricBandwidthGB   MetricKind = "bandwidth_gb"
	MetricStorageGB     MetricKind = "storage_gb"
)

// UsageRecord is one append-only usage quantity for a service over a
// collection period. Records are batch-inserted once per cycle and never
// updated.
type UsageRecord struct {
	ID          string
	ServiceID   string
	Metric      MetricKind
	Quantity    float64
	PeriodStart time.Time
	PeriodEnd   time.Time
	CreatedAt   time.Time
}
