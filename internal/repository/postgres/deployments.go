package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/repository"
)

const deploymentColumns = `id, service_id, status, image_tag, build_log, run_log, error, started_at, completed_at`

// CreateDeployment inserts a deployment attempt.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID, deployment.ServiceID, deployment.Status, deployment.ImageTag,
		deployment.BuildLog, deployment.RunLog, deployment.Error,
		deployment.StartedAt, deployment.CompletedAt)
	return err
}

// GetDeploymentByID fetches a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	dep, err := scanDeployment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return dep, nil
}

// UpdateDeployment writes back status, logs and completion time.
func (r *Repository) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `UPDATE deployments
		SET status = $2, image_tag = $3, build_log = $4, run_log = $5, error = $6, completed_at = $7
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		deployment.ID, deployment.Status, deployment.ImageTag,
		deployment.BuildLog, deployment.RunLog, deployment.Error, deployment.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// LatestDeploymentByService returns the most recently started deployment for
// a service.
func (r *Repository) LatestDeploymentByService(ctx context.Context, serviceID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE service_id = $1 ORDER BY started_at DESC LIMIT 1`
	dep, err := scanDeployment(r.pool.QueryRow(ctx, query, serviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return dep, nil
}

// ListDeploymentsCompletedBefore returns terminal deployments completed
// before the cutoff.
func (r *Repository) ListDeploymentsCompletedBefore(ctx context.Context, cutoff time.Time) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE completed_at IS NOT NULL AND completed_at < $1`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *dep)
	}
	return deployments, rows.Err()
}

// DeleteDeploymentsByService removes all deployment history for a service.
func (r *Repository) DeleteDeploymentsByService(ctx context.Context, serviceID string) error {
	const query = `DELETE FROM deployments WHERE service_id = $1`
	_, err := r.pool.Exec(ctx, query, serviceID)
	return err
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var d domain.Deployment
	err := row.Scan(&d.ID, &d.ServiceID, &d.Status, &d.ImageTag, &d.BuildLog,
		&d.RunLog, &d.Error, &d.StartedAt, &d.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
