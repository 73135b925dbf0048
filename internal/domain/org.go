package domain

import (
	"regexp"
	"time"
)

var (
	orgNameRe  = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	repoNameRe = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)
)

// ValidOrgName reports whether name is a valid organization name.
func ValidOrgName(name string) bool {
	return name != "" && len(name) <= 64 && orgNameRe.MatchString(name)
}

// ValidRepoName reports whether name is a valid repository name.
func ValidRepoName(name string) bool {
	return name != "" && len(name) <= 128 && repoNameRe.MatchString(name)
}

// User is a registered account.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// Organization owns repositories and memberships.
type Organization struct {
	ID          int64
	Name        string
	DisplayName string
	Description string
	Website     string
	CreatedAt   time.Time
}

// Role is an organization membership role with a total privilege order.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

var roleRank = map[Role]int{RoleMember: 1, RoleAdmin: 2, RoleOwner: 3}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r carries at least the privilege of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// Membership is the (user, organization, role) relation. Every organization
// keeps at least one owner at all times.
type Membership struct {
	UserID int64
	OrgID  int64
	Role   Role
}

// APIKey is a revocable credential owned by a user. The plaintext secret is
// shown exactly once at creation; only its hash is stored.
type APIKey struct {
	ID         string
	UserID     int64
	Name       string
	SecretHash string
	CreatedAt  time.Time
	LastUsedAt time.Time
	RevokedAt  time.Time
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool { return !k.RevokedAt.IsZero() }

// Principal is the authenticated caller of a request. A zero Principal is
// anonymous.
type Principal struct {
	UserID    int64
	Email     string
	APIKeyID  string
	Anonymous bool
}

// Action is an operation subject to authorization.
type Action string

const (
	ActionPull          Action = "pull"
	ActionPush          Action = "push"
	ActionDelete        Action = "delete"
	ActionManageRepo    Action = "manage_repo"
	ActionManageOrg     Action = "manage_org"
	ActionManageMembers Action = "manage_members"
)
