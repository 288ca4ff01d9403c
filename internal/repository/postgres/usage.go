package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pier-paas/pier/internal/domain"
)

// InsertUsageRecords batch-inserts a collection cycle's records.
func (r *Repository) InsertUsageRecords(ctx context.Context, records []domain.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	const query = `INSERT INTO usage_records (id, service_id, metric, quantity, period_start, period_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(query, rec.ID, rec.ServiceID, rec.Metric, rec.Quantity,
			rec.PeriodStart, rec.PeriodEnd, rec.CreatedAt)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

// ListUsageByService returns usage records for a service whose period starts
// within [from, to).
func (r *Repository) ListUsageByService(ctx context.Context, serviceID string, from, to time.Time) ([]domain.UsageRecord, error) {
	const query = `SELECT id, service_id, metric, quantity, period_start, period_end, created_at
		FROM usage_records
		WHERE service_id = $1 AND period_start >= $2 AND period_start < $3
		ORDER BY period_start`
	rows, err := r.pool.Query(ctx, query, serviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var rec domain.UsageRecord
		if err := rows.Scan(&rec.ID, &rec.ServiceID, &rec.Metric, &rec.Quantity,
			&rec.PeriodStart, &rec.PeriodEnd, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
