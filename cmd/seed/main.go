// seed inserts development sample data for local testing.
// Idempotent: all rows are written in one transaction, and the run is skipped once the last seeded
// membership exists.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"civic-platform/backend/internal/capability"
	"civic-platform/backend/internal/config"
	"civic-platform/backend/internal/db"
	membershipdomain "civic-platform/backend/internal/membership/domain"
	membershiprepo "civic-platform/backend/internal/membership/repository"
	orgdomain "civic-platform/backend/internal/organization/domain"
	orgrepo "civic-platform/backend/internal/organization/repository"
	"civic-platform/backend/internal/security"
)

const (
	devOrgID         = "dev-org-001"
	devHeadID        = "dev-user-head"
	devOrganizerID   = "dev-user-organizer"
	devModeratorID   = "dev-user-moderator"
	devInviteeID     = "dev-user-invitee"
	devFormerID      = "dev-user-former"
	devOrganizerRole = "dev-role-organizer"
	devModeratorRole = "dev-role-moderator"
	devAnalystRole   = "dev-role-analyst"
)

type seedMember struct {
	userID string
	status membershipdomain.Status
	roleID string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	done, err := seeded(ctx, membershiprepo.NewPostgresRepository(conn))
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if done {
		log.Printf("Seed already applied to %s. Skipping inserts.", devOrgID)
	} else if err := db.WithTx(ctx, conn, func(tx *sql.Tx) error {
		return seed(ctx, orgrepo.NewPostgresRepository(tx), membershiprepo.NewPostgresRepository(tx))
	}); err != nil {
		log.Fatalf("seed: %v", err)
	} else {
		log.Println("Seed completed successfully.")
	}

	fmt.Printf("Organization: %s (head %s)\n", devOrgID, devHeadID)
	if !cfg.CanIssueTokens() {
		fmt.Println("JWT_PRIVATE_KEY/JWT_PUBLIC_KEY not set; no dev tokens printed.")
		return
	}
	tokens, err := security.LoadTokenProvider(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	for _, userID := range []string{devHeadID, devOrganizerID, devModeratorID, devInviteeID, devFormerID} {
		token, _, expiresAt, err := tokens.IssueAccess(uuid.New().String(), userID)
		if err != nil {
			log.Fatalf("issue token for %s: %v", userID, err)
		}
		fmt.Printf("%s (expires %s):\n  %s\n", userID, expiresAt.Format(time.RFC3339), token)
	}
}

type membershipGetter interface {
	GetMembershipByUserAndOrg(ctx context.Context, userID, orgID string) (*membershipdomain.Membership, error)
}

// seeded reports whether a previous run got as far as the last membership seed writes.
func seeded(ctx context.Context, members membershipGetter) (bool, error) {
	m, err := members.GetMembershipByUserAndOrg(ctx, devFormerID, devOrgID)
	if err != nil {
		return false, err
	}
	return m != nil, nil
}

func seed(ctx context.Context, orgs orgrepo.Repository, members membershiprepo.Repository) error {
	now := time.Now().UTC()

	org := &orgdomain.Org{
		ID:         devOrgID,
		Name:       "Riverside Tenants Association",
		Status:     orgdomain.OrgStatusActive,
		HeadUserID: devHeadID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := org.Validate(); err != nil {
		return fmt.Errorf("organization: %w", err)
	}
	if err := orgs.CreateOrganization(ctx, org); err != nil {
		return fmt.Errorf("create organization: %w", err)
	}

	roles := []*membershipdomain.Role{
		{ID: devOrganizerRole, Name: "Organizer", Capabilities: capability.NewSet(
			capability.InviteMembers, capability.ApproveMembers, capability.ManageEvents, capability.PostAsOrg)},
		{ID: devModeratorRole, Name: "Moderator", Capabilities: capability.NewSet(
			capability.ModerateContent, capability.PostAsOrg)},
		{ID: devAnalystRole, Name: "Analyst", Capabilities: capability.NewSet(capability.ViewAnalytics)},
	}
	for _, r := range roles {
		r.OrgID = devOrgID
		r.CreatedAt = now
		if err := r.Validate(); err != nil {
			return fmt.Errorf("role %s: %w", r.Name, err)
		}
		if err := members.CreateRole(ctx, r); err != nil {
			return fmt.Errorf("create role %s: %w", r.Name, err)
		}
	}

	// The head holds no membership; head authority does not depend on one.
	for _, m := range []seedMember{
		{devOrganizerID, membershipdomain.StatusActive, devOrganizerRole},
		{devModeratorID, membershipdomain.StatusSuspended, devModeratorRole},
		{devInviteeID, membershipdomain.StatusPending, devAnalystRole},
		{devFormerID, membershipdomain.StatusRemoved, ""},
	} {
		if err := members.CreateMembership(ctx, &membershipdomain.Membership{
			ID:        uuid.New().String(),
			UserID:    m.userID,
			OrgID:     devOrgID,
			Status:    m.status,
			RoleID:    m.roleID,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return fmt.Errorf("create membership %s: %w", m.userID, err)
		}
	}
	return nil
}
