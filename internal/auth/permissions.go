package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Role is a club function a user can hold. A user holds a set of roles.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleTrainer        Role = "trainer"
	RoleAssistantCoach Role = "assistant_coach"
	RolePhysio         Role = "physio"
	RoleTeamManager    Role = "team_manager"
	RoleBoard          Role = "board"
	RolePlayer         Role = "player"
)

// Permission is a capability checked by protected operations. Permissions are
// never stored per user; they are derived from roles through a Table.
type Permission string

const (
	PermRosterRead     Permission = "roster:read"
	PermRosterWrite    Permission = "roster:write"
	PermTrainingRead   Permission = "training:read"
	PermTrainingWrite  Permission = "training:write"
	PermFinanceRead    Permission = "finance:read"
	PermFinanceWrite   Permission = "finance:write"
	PermMessengerRead  Permission = "messenger:read"
	PermMessengerWrite Permission = "messenger:write"
	PermTacticsRead    Permission = "tactics:read"
	PermTacticsWrite   Permission = "tactics:write"
	PermMedicalRead    Permission = "medical:read"
	PermMedicalWrite   Permission = "medical:write"
	PermClubManage     Permission = "club:manage"
	PermMembersManage  Permission = "members:manage"
)

var knownRoles = [...]Role{
	RoleAdmin, RoleTrainer, RoleAssistantCoach, RolePhysio, RoleTeamManager, RoleBoard, RolePlayer,
}

var knownPermissions = [...]Permission{
	PermRosterRead, PermRosterWrite,
	PermTrainingRead, PermTrainingWrite,
	PermFinanceRead, PermFinanceWrite,
	PermMessengerRead, PermMessengerWrite,
	PermTacticsRead, PermTacticsWrite,
	PermMedicalRead, PermMedicalWrite,
	PermClubManage, PermMembersManage,
}

// AllRoles returns every known role.
func AllRoles() []Role {
	return append([]Role(nil), knownRoles[:]...)
}

// AllPermissions returns every known permission.
func AllPermissions() []Permission {
	return append([]Permission(nil), knownPermissions[:]...)
}

// defaultGrants builds the club's authorisation model.
func defaultGrants() map[Role][]Permission {
	return map[Role][]Permission{
		RoleAdmin: AllPermissions(),
		RoleBoard: {
			PermRosterRead,
			PermTrainingRead,
			PermFinanceRead,
			PermFinanceWrite,
			PermMessengerRead,
			PermMessengerWrite,
			PermClubManage,
			PermMembersManage,
		},
		RoleTrainer: {
			PermRosterRead,
			PermRosterWrite,
			PermTrainingRead,
			PermTrainingWrite,
			PermTacticsRead,
			PermTacticsWrite,
			PermMessengerRead,
			PermMessengerWrite,
			PermMedicalRead,
		},
		RoleAssistantCoach: {
			PermRosterRead,
			PermTrainingRead,
			PermTrainingWrite,
			PermTacticsRead,
			PermTacticsWrite,
			PermMessengerRead,
			PermMessengerWrite,
		},
		RolePhysio: {
			PermRosterRead,
			PermTrainingRead,
			PermMedicalRead,
			PermMedicalWrite,
			PermMessengerRead,
			PermMessengerWrite,
		},
		RoleTeamManager: {
			PermRosterRead,
			PermRosterWrite,
			PermTrainingRead,
			PermFinanceRead,
			PermMessengerRead,
			PermMessengerWrite,
			PermMembersManage,
		},
		RolePlayer: {
			PermRosterRead,
			PermTrainingRead,
			PermTacticsRead,
			PermMessengerRead,
			PermMessengerWrite,
		},
	}
}

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range knownRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// ParseRoles parses and deduplicates a role list. Order is not preserved.
func ParseRoles(values []string) ([]Role, error) {
	roles := make([]Role, 0, len(values))
	for _, v := range values {
		r, err := ParseRole(v)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return NormalizeRoles(roles), nil
}

// NormalizeRoles returns roles deduplicated and sorted.
func NormalizeRoles(roles []Role) []Role {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[Role]struct{}, len(roles))
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		r = Role(strings.ToLower(strings.TrimSpace(string(r))))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PermissionSet is a set of granted permissions.
type PermissionSet map[Permission]struct{}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the set as a sorted slice.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Requirement declares what a protected operation needs. Every permission in
// AllOf must be granted, and if AnyRole is non-empty the caller must hold at
// least one of those roles. The zero Requirement admits any authenticated caller.
type Requirement struct {
	AllOf   []Permission
	AnyRole []Role
}

// RequirePermissions builds a permission-style requirement.
func RequirePermissions(perms ...Permission) Requirement {
	return Requirement{AllOf: perms}
}

// RequireAnyRole builds a role-style requirement.
func RequireAnyRole(roles ...Role) Requirement {
	return Requirement{AnyRole: roles}
}

// Table maps roles to permissions. It is immutable after construction and
// safe for concurrent reads. Unknown roles grant nothing.
type Table struct {
	grants map[Role]PermissionSet
}

// NewTable copies grants into a new Table.
func NewTable(grants map[Role][]Permission) *Table {
	t := &Table{grants: make(map[Role]PermissionSet, len(grants))}
	for role, perms := range grants {
		set := make(PermissionSet, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		t.grants[role] = set
	}
	return t
}

// DefaultTable returns the club authorisation model.
func DefaultTable() *Table {
	return NewTable(defaultGrants())
}

// Grants returns the union of permissions granted by roles.
func (t *Table) Grants(roles []Role) PermissionSet {
	out := make(PermissionSet)
	if t == nil {
		return out
	}
	for _, r := range roles {
		for p := range t.grants[r] {
			out[p] = struct{}{}
		}
	}
	return out
}

// Allows reports whether role grants perm.
func (t *Table) Allows(role Role, perm Permission) bool {
	if t == nil {
		return false
	}
	return t.grants[role].Has(perm)
}

// Satisfies reports whether a caller holding roles meets req.
func (t *Table) Satisfies(roles []Role, req Requirement) bool {
	if len(req.AnyRole) > 0 && !holdsAny(roles, req.AnyRole) {
		return false
	}
	if len(req.AllOf) == 0 {
		return true
	}
	granted := t.Grants(roles)
	for _, p := range req.AllOf {
		if !granted.Has(p) {
			return false
		}
	}
	return true
}

func holdsAny(held, wanted []Role) bool {
	for _, w := range wanted {
		for _, h := range held {
			if h == w {
				return true
			}
		}
	}
	return false
}
