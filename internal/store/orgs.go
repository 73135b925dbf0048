package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bosunhq/bosun/internal/domain"
)

// CreateOrg creates an organization with ownerID as its first owner, in one
// transaction so the at-least-one-owner invariant holds from the start.
func (s *Store) CreateOrg(ctx context.Context, org *domain.Organization, ownerID int64) (*domain.Organization, error) {
	if !domain.ValidOrgName(org.Name) {
		return nil, fmt.Errorf("organization name %q: %w", org.Name, domain.ErrNameInvalid)
	}
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO organizations (name, display_name, description, website) VALUES (?, ?, ?, ?)",
			org.Name, org.DisplayName, org.Description, org.Website)
		if err != nil {
			return translateErr(err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO memberships (user_id, org_id, role) VALUES (?, ?, ?)",
			ownerID, id, domain.RoleOwner)
		return translateErr(err)
	})
	if err != nil {
		return nil, err
	}
	return s.GetOrgByID(ctx, id)
}

// GetOrgByID returns the organization with the given id.
func (s *Store) GetOrgByID(ctx context.Context, id int64) (*domain.Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		"SELECT id, name, display_name, description, website, created_at FROM organizations WHERE id = ?", id))
}

// GetOrgByName returns the organization with the given URL name.
func (s *Store) GetOrgByName(ctx context.Context, name string) (*domain.Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		"SELECT id, name, display_name, description, website, created_at FROM organizations WHERE name = ?", name))
}

// ListOrgsForUser returns the organizations the user is a member of, by name.
func (s *Store) ListOrgsForUser(ctx context.Context, userID int64) ([]*domain.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.display_name, o.description, o.website, o.created_at
		FROM organizations o
		JOIN memberships m ON m.org_id = o.id
		WHERE m.user_id = ?
		ORDER BY o.name`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var orgs []*domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.DisplayName, &o.Description, &o.Website, &o.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, &o)
	}
	return orgs, rows.Err()
}

// UpdateOrg updates the mutable organization fields.
func (s *Store) UpdateOrg(ctx context.Context, org *domain.Organization) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE organizations SET display_name = ?, description = ?, website = ? WHERE id = ?",
		org.DisplayName, org.Description, org.Website, org.ID)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, "organization")
}

// DeleteOrg deletes an organization, cascading to memberships, repositories
// and tags. Physical blob/manifest reclamation is left to the garbage
// collector.
func (s *Store) DeleteOrg(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM organizations WHERE id = ?", id)
	if err != nil {
		return translateErr(err)
	}
	return requireRow(res, "organization")
}

// GetMembership returns the user's membership in the organization.
func (s *Store) GetMembership(ctx context.Context, userID, orgID int64) (*domain.Membership, error) {
	var m domain.Membership
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, org_id, role FROM memberships WHERE user_id = ? AND org_id = ?",
		userID, orgID).Scan(&m.UserID, &m.OrgID, &m.Role)
	if err != nil {
		return nil, translateErr(err)
	}
	return &m, nil
}

// ListMembers returns all memberships of an organization.
func (s *Store) ListMembers(ctx context.Context, orgID int64) ([]*domain.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, org_id, role FROM memberships WHERE org_id = ? ORDER BY user_id", orgID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var members []*domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.UserID, &m.OrgID, &m.Role); err != nil {
			return nil, err
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

// SetMembership creates or updates a membership. Demoting the organization's
// last owner fails with ErrConflict; the invariant check runs inside the
// same transaction as the mutation.
func (s *Store) SetMembership(ctx context.Context, m *domain.Membership) error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q: %w", m.Role, domain.ErrConflict)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if m.Role != domain.RoleOwner {
			if err := checkNotLastOwner(ctx, tx, m.UserID, m.OrgID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memberships (user_id, org_id, role) VALUES (?, ?, ?)
			ON CONFLICT (user_id, org_id) DO UPDATE SET role = excluded.role`,
			m.UserID, m.OrgID, m.Role)
		return translateErr(err)
	})
}

// RemoveMembership deletes a membership. Removing the last owner fails with
// ErrConflict.
func (s *Store) RemoveMembership(ctx context.Context, userID, orgID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkNotLastOwner(ctx, tx, userID, orgID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM memberships WHERE user_id = ? AND org_id = ?", userID, orgID)
		if err != nil {
			return translateErr(err)
		}
		return requireRow(res, "membership")
	})
}

// checkNotLastOwner fails with ErrConflict if userID is the organization's
// only owner.
func checkNotLastOwner(ctx context.Context, tx *sql.Tx, userID, orgID int64) error {
	var role domain.Role
	err := tx.QueryRowContext(ctx,
		"SELECT role FROM memberships WHERE user_id = ? AND org_id = ?",
		userID, orgID).Scan(&role)
	if err == sql.ErrNoRows {
		return nil // not a member yet, nothing to protect
	}
	if err != nil {
		return err
	}
	if role != domain.RoleOwner {
		return nil
	}
	var owners int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memberships WHERE org_id = ? AND role = ?",
		orgID, domain.RoleOwner).Scan(&owners)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return fmt.Errorf("cannot remove or demote the last owner: %w", domain.ErrConflict)
	}
	return nil
}

func scanOrg(row *sql.Row) (*domain.Organization, error) {
	var o domain.Organization
	err := row.Scan(&o.ID, &o.Name, &o.DisplayName, &o.Description, &o.Website, &o.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &o, nil
}
