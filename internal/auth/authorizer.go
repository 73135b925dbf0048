// Package auth implements authentication (passwords, bearer tokens, API
// keys) and the membership-based access-control layer.
package auth

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/bosunhq/bosun/internal/domain"
	"github.com/bosunhq/bosun/internal/store"
)

// Decision is the outcome of an authorization check. Deny is a value, not
// an error, so handlers can map it to 401 vs 403 deterministically.
type Decision int

const (
	// Allow grants the action.
	Allow Decision = iota
	// DenyUnauthenticated means credentials are missing or invalid (401).
	DenyUnauthenticated
	// DenyForbidden means the principal is authenticated but lacks the
	// required role (403).
	DenyForbidden
)

// Authorizer evaluates whether a principal may perform an action on a
// repository, based on organization membership role and repository
// visibility.
type Authorizer struct {
	store *store.Store
}

// NewAuthorizer creates an Authorizer over the membership store.
func NewAuthorizer(st *store.Store) *Authorizer {
	return &Authorizer{store: st}
}

// requiredRole returns the minimum membership role for an action on a
// private repository.
func requiredRole(action domain.Action) domain.Role {
	switch action {
	case domain.ActionPull:
		return domain.RoleMember
	default:
		// Push, Delete, ManageRepo, ManageOrg, ManageMembers.
		return domain.RoleAdmin
	}
}

// Authorize decides whether principal may perform action on org/repo.
// Pulls from public repositories are always allowed, anonymous callers
// included. Everything else requires a membership in the repository's
// organization with sufficient role.
func (a *Authorizer) Authorize(ctx context.Context, p domain.Principal, org, repo string, action domain.Action) Decision {
	if action == domain.ActionPull {
		if rep, err := a.store.GetRepo(ctx, org, repo); err == nil && rep.Public {
			return Allow
		}
	}

	if p.Anonymous || p.UserID == 0 {
		return DenyUnauthenticated
	}

	o, err := a.store.GetOrgByName(ctx, org)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Unknown organizations look like private ones to outsiders.
			return DenyForbidden
		}
		log.Error().Err(err).Str("org", org).Msg("authorize: org lookup failed")
		return DenyForbidden
	}

	m, err := a.store.GetMembership(ctx, p.UserID, o.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error().Err(err).Int64("user", p.UserID).Str("org", org).Msg("authorize: membership lookup failed")
		}
		return DenyForbidden
	}

	if !m.Role.AtLeast(requiredRole(action)) {
		return DenyForbidden
	}
	return Allow
}

// AuthorizeMemberChange decides whether actor may set target's role in org
// to newRole (newRole empty means removal). Beyond the Admin floor from
// Authorize, only owners may grant or revoke ownership, and the last owner
// can never be demoted or removed regardless of who asks.
func (a *Authorizer) AuthorizeMemberChange(ctx context.Context, actor domain.Principal, orgID int64, targetUserID int64, newRole domain.Role) Decision {
	if actor.Anonymous || actor.UserID == 0 {
		return DenyUnauthenticated
	}
	actorM, err := a.store.GetMembership(ctx, actor.UserID, orgID)
	if err != nil {
		return DenyForbidden
	}
	if !actorM.Role.AtLeast(domain.RoleAdmin) {
		return DenyForbidden
	}

	targetM, err := a.store.GetMembership(ctx, targetUserID, orgID)
	targetIsOwner := err == nil && targetM.Role == domain.RoleOwner

	// Only an owner may touch an owner's membership or promote to owner.
	if (targetIsOwner || newRole == domain.RoleOwner) && actorM.Role != domain.RoleOwner {
		return DenyForbidden
	}

	// Last-owner invariant: demoting or removing the sole owner is always
	// denied, even when the owner requests it themselves.
	if targetIsOwner && newRole != domain.RoleOwner {
		owners, err := a.countOwners(ctx, orgID)
		if err != nil || owners <= 1 {
			return DenyForbidden
		}
	}
	return Allow
}

func (a *Authorizer) countOwners(ctx context.Context, orgID int64) (int, error) {
	members, err := a.store.ListMembers(ctx, orgID)
	if err != nil {
		return 0, err
	}
	owners := 0
	for _, m := range members {
		if m.Role == domain.RoleOwner {
			owners++
		}
	}
	return owners, nil
}
