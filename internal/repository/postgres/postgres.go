// Package postgres implements the persistence interfaces on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ServiceRepository      = (*Repository)(nil)
	_ repository.DeploymentRepository   = (*Repository)(nil)
	_ repository.UsageRepository        = (*Repository)(nil)
	_ repository.SubscriptionRepository = (*Repository)(nil)
)

const serviceColumns = `id, name, type, status, user_id, organization_id, repo_url, branch,
	build_command, start_command, output_dir, image_ref, compose_file, compose_main,
	env, port, delete_protected, deleted_at, created_at, updated_at`

// CreateService inserts a service.
func (r *Repository) CreateService(ctx context.Context, service *domain.Service) error {
	const query = `INSERT INTO services (` + serviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err := r.pool.Exec(ctx, query,
		service.ID, service.Name, service.Type, service.Status,
		service.UserID, service.OrganizationID, service.RepoURL, service.Branch,
		service.BuildCommand, service.StartCommand, service.OutputDir, service.ImageRef,
		service.ComposeFile, service.ComposeMain, service.Env, service.Port,
		service.DeleteProtected, service.DeletedAt, service.CreatedAt, service.UpdatedAt)
	return err
}

// GetServiceByID fetches a service by id, including soft-deleted ones.
func (r *Repository) GetServiceByID(ctx context.Context, id string) (*domain.Service, error) {
	const query = `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	svc, err := scanService(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return svc, nil
}

// UpdateServiceStatus sets the status of a live service.
func (r *Repository) UpdateServiceStatus(ctx context.Context, id string, status domain.ServiceStatus) error {
	const query = `UPDATE services SET status = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkServiceDeleted soft-deletes a service. Delete-protected services are
// left untouched.
func (r *Repository) MarkServiceDeleted(ctx context.Context, id string, deletedAt time.Time) error {
	const query = `UPDATE services SET deleted_at = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND delete_protected = false`
	tag, err := r.pool.Exec(ctx, query, id, deletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListServicesByOwner returns live services for an owner key ("user:<id>"
// or "org:<id>").
func (r *Repository) ListServicesByOwner(ctx context.Context, ownerKey string) ([]domain.Service, error) {
	column, id, err := splitOwnerKey(ownerKey)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + serviceColumns + ` FROM services WHERE ` + column + ` = $1 AND deleted_at IS NULL`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServices(rows)
}

// ListServicesDeletedBefore scans for services whose soft-delete timestamp
// is past the retention cutoff.
func (r *Repository) ListServicesDeletedBefore(ctx context.Context, cutoff time.Time) ([]domain.Service, error) {
	const query = `SELECT ` + serviceColumns + ` FROM services
		WHERE deleted_at IS NOT NULL AND deleted_at < $1`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServices(rows)
}

// DeleteService hard-deletes a service row.
func (r *Repository) DeleteService(ctx context.Context, id string) error {
	const query = `DELETE FROM services WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

func splitOwnerKey(ownerKey string) (column, id string, err error) {
	switch {
	case strings.HasPrefix(ownerKey, "user:"):
		return "user_id", strings.TrimPrefix(ownerKey, "user:"), nil
	case strings.HasPrefix(ownerKey, "org:"):
		return "organization_id", strings.TrimPrefix(ownerKey, "org:"), nil
	default:
		return "", "", fmt.Errorf("invalid owner key %q", ownerKey)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*domain.Service, error) {
	var s domain.Service
	err := row.Scan(&s.ID, &s.Name, &s.Type, &s.Status, &s.UserID, &s.OrganizationID,
		&s.RepoURL, &s.Branch, &s.BuildCommand, &s.StartCommand, &s.OutputDir,
		&s.ImageRef, &s.ComposeFile, &s.ComposeMain, &s.Env, &s.Port,
		&s.DeleteProtected, &s.DeletedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanServices(rows pgx.Rows) ([]domain.Service, error) {
	var services []domain.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *svc)
	}
	return services, rows.Err()
}
