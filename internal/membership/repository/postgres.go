package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"civic-platform/backend/internal/capability"
	"civic-platform/backend/internal/db"
	"civic-platform/backend/internal/membership/domain"
)

// membershipColumns selects a membership together with its role in one statement so the
// role's capabilities are read from the same snapshot as the membership row.
const membershipColumns = `SELECT m.id, m.user_id, m.org_id, m.status, m.role_id, m.created_at, m.updated_at,
	r.id, r.org_id, r.name, r.capabilities, r.created_at
FROM memberships m
LEFT JOIN roles r ON r.id = m.role_id AND r.org_id = m.org_id`

const (
	getMembershipSQL          = membershipColumns + ` WHERE m.id = $1`
	getMembershipByUserOrgSQL = membershipColumns + ` WHERE m.user_id = $1 AND m.org_id = $2`
	listMembershipsByOrgSQL   = membershipColumns + ` WHERE m.org_id = $1 ORDER BY m.created_at, m.id`
	createMembershipSQL       = `INSERT INTO memberships (id, user_id, org_id, status, role_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	updateStatusSQL = `UPDATE memberships SET status = $3, updated_at = $4 WHERE user_id = $1 AND org_id = $2`
	updateRoleSQL   = `UPDATE memberships SET role_id = $3, updated_at = $4 WHERE user_id = $1 AND org_id = $2`

	getRoleSQL        = `SELECT id, org_id, name, capabilities, created_at FROM roles WHERE id = $1`
	listRolesByOrgSQL = `SELECT id, org_id, name, capabilities, created_at FROM roles WHERE org_id = $1 ORDER BY name`
	createRoleSQL     = `INSERT INTO roles (id, org_id, name, capabilities, created_at) VALUES ($1, $2, $3, $4, $5)`
)

// ErrNotFound is returned by update methods when no membership matches.
var ErrNotFound = errors.New("membership not found")

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a membership repository that uses conn, a pool or a transaction, for persistence.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

// GetMembershipByID returns the membership for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetMembershipByID(ctx context.Context, id string) (*domain.Membership, error) {
	m, err := scanMembership(r.db.QueryRowContext(ctx, getMembershipSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// GetMembershipByUserAndOrg returns the membership for the given user and org with its role, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetMembershipByUserAndOrg(ctx context.Context, userID, orgID string) (*domain.Membership, error) {
	m, err := scanMembership(r.db.QueryRowContext(ctx, getMembershipByUserOrgSQL, userID, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ListMembershipsByOrg returns all memberships for the given org. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListMembershipsByOrg(ctx context.Context, orgID string) ([]*domain.Membership, error) {
	rows, err := r.db.QueryContext(ctx, listMembershipsByOrgSQL, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateMembership persists the membership to the database. The membership must have ID set.
func (r *PostgresRepository) CreateMembership(ctx context.Context, m *domain.Membership) error {
	if !m.Status.Valid() {
		return fmt.Errorf("invalid membership status %q", m.Status)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.UpdatedAt = m.CreatedAt
	_, err := r.db.ExecContext(ctx, createMembershipSQL,
		m.ID, m.UserID, m.OrgID, string(m.Status), nullString(m.RoleID), m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// UpdateStatus sets the membership status and returns the updated membership. Returns ErrNotFound if none matched.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, userID, orgID string, status domain.Status) (*domain.Membership, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid membership status %q", status)
	}
	if err := r.execUpdate(ctx, updateStatusSQL, userID, orgID, string(status)); err != nil {
		return nil, err
	}
	return r.GetMembershipByUserAndOrg(ctx, userID, orgID)
}

// UpdateRole assigns roleID to the membership; an empty roleID clears the role. Returns ErrNotFound if none matched.
func (r *PostgresRepository) UpdateRole(ctx context.Context, userID, orgID, roleID string) (*domain.Membership, error) {
	if err := r.execUpdate(ctx, updateRoleSQL, userID, orgID, nullString(roleID)); err != nil {
		return nil, err
	}
	return r.GetMembershipByUserAndOrg(ctx, userID, orgID)
}

func (r *PostgresRepository) execUpdate(ctx context.Context, query, userID, orgID string, value any) error {
	res, err := r.db.ExecContext(ctx, query, userID, orgID, value, time.Now().UTC())
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

// GetRoleByID returns the role for id, or nil if not found.
func (r *PostgresRepository) GetRoleByID(ctx context.Context, id string) (*domain.Role, error) {
	role, err := scanRole(r.db.QueryRowContext(ctx, getRoleSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return role, err
}

// ListRolesByOrg returns the roles configured for the org ordered by name.
func (r *PostgresRepository) ListRolesByOrg(ctx context.Context, orgID string) ([]*domain.Role, error) {
	rows, err := r.db.QueryContext(ctx, listRolesByOrgSQL, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// CreateRole persists the role. The role must have ID set and only catalog capabilities.
func (r *PostgresRepository) CreateRole(ctx context.Context, role *domain.Role) error {
	if err := role.Validate(); err != nil {
		return err
	}
	caps, err := json.Marshal(role.Capabilities.Strings())
	if err != nil {
		return err
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, createRoleSQL, role.ID, role.OrgID, role.Name, caps, role.CreatedAt)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMembership(row scanner) (*domain.Membership, error) {
	var (
		m                  domain.Membership
		status             string
		roleID             sql.NullString
		rID, rOrgID, rName sql.NullString
		rCaps              []byte
		rCreatedAt         sql.NullTime
	)
	if err := row.Scan(
		&m.ID, &m.UserID, &m.OrgID, &status, &roleID, &m.CreatedAt, &m.UpdatedAt,
		&rID, &rOrgID, &rName, &rCaps, &rCreatedAt,
	); err != nil {
		return nil, err
	}
	m.Status = domain.Status(status)
	if roleID.Valid {
		m.RoleID = roleID.String
	}
	if rID.Valid {
		caps, err := decodeCapabilities(rID.String, rCaps)
		if err != nil {
			return nil, err
		}
		m.Role = &domain.Role{
			ID: rID.String, OrgID: rOrgID.String, Name: rName.String,
			Capabilities: caps, CreatedAt: rCreatedAt.Time,
		}
	}
	return &m, nil
}

func scanRole(row scanner) (*domain.Role, error) {
	var (
		role domain.Role
		caps []byte
	)
	if err := row.Scan(&role.ID, &role.OrgID, &role.Name, &caps, &role.CreatedAt); err != nil {
		return nil, err
	}
	set, err := decodeCapabilities(role.ID, caps)
	if err != nil {
		return nil, err
	}
	role.Capabilities = set
	return &role, nil
}

// decodeCapabilities decodes a JSON array of capability names. Names outside the catalog grant nothing
// and are dropped; malformed JSON is an error.
func decodeCapabilities(roleID string, raw []byte) (capability.Set, error) {
	set := capability.NewSet()
	if len(raw) == 0 {
		return set, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("decode capabilities of role %s: %w", roleID, err)
	}
	for _, n := range names {
		c, err := capability.Parse(n)
		if err != nil {
			log.Printf("membership: role %s has unknown capability %q; ignoring", roleID, n)
			continue
		}
		set[c] = struct{}{}
	}
	return set, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
