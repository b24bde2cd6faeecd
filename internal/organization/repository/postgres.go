package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"civic-platform/backend/internal/db"
	"civic-platform/backend/internal/organization/domain"
)

const (
	getOrganizationSQL = `SELECT id, name, status, head_user_id, created_at, updated_at
FROM organizations WHERE id = $1`
	createOrganizationSQL = `INSERT INTO organizations (id, name, status, head_user_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	updateOrganizationSQL = `UPDATE organizations SET name = $2, status = $3, head_user_id = $4, updated_at = $5
WHERE id = $1`
)

// ErrNotFound is returned by UpdateOrganization when no row matches the organization ID.
var ErrNotFound = errors.New("organization not found")

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns an organization repository that uses conn, a pool or a transaction, for persistence.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetOrganizationByID returns the organization for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetOrganizationByID(ctx context.Context, id string) (*domain.Org, error) {
	var o domain.Org
	var status string
	err := r.db.QueryRowContext(ctx, getOrganizationSQL, id).Scan(
		&o.ID, &o.Name, &status, &o.HeadUserID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	o.Status = domain.OrgStatus(status)
	return &o, nil
}

// CreateOrganization persists the organization to the database. The organization must have ID set.
func (r *PostgresRepository) CreateOrganization(ctx context.Context, o *domain.Org) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	_, err := r.db.ExecContext(ctx, createOrganizationSQL,
		o.ID, o.Name, string(o.Status), o.HeadUserID, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

// UpdateOrganization updates name, status and head of the existing organization. Returns ErrNotFound if no row matched.
func (r *PostgresRepository) UpdateOrganization(ctx context.Context, o *domain.Org) error {
	if err := o.Validate(); err != nil {
		return err
	}
	o.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, updateOrganizationSQL,
		o.ID, o.Name, string(o.Status), o.HeadUserID, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
