package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/repository"
)

const subscriptionColumns = `id, user_id, organization_id, status, current_period_end,
	last_warning_at, last_suspended_at, created_at, updated_at`

// ListSubscriptions returns subscriptions in any of the given statuses. An
// empty status list returns everything.
func (r *Repository) ListSubscriptions(ctx context.Context, statuses []domain.SubscriptionStatus) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		args = append(args, values)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// GetSubscriptionByOwner resolves the subscription funding an owner key.
func (r *Repository) GetSubscriptionByOwner(ctx context.Context, ownerKey string) (*domain.Subscription, error) {
	column, id, err := splitOwnerKey(ownerKey)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + column + ` = $1`
	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}

// SetLastWarningAt records when a payment warning was last sent.
func (r *Repository) SetLastWarningAt(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE subscriptions SET last_warning_at = $2, updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetLastSuspendedAt records when an owner's services were last suspended.
func (r *Repository) SetLastSuspendedAt(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE subscriptions SET last_suspended_at = $2, updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.UserID, &s.OrganizationID, &s.Status, &s.CurrentPeriodEnd,
		&s.LastWarningAt, &s.LastSuspendedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
