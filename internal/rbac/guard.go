package rbac

import (
	"qazna.org/console/internal/auth"
)

// Mutation names a guarded change to a protected entity.
type Mutation string

const (
	MutationUpdateCode Mutation = "UPDATE_CODE"
	MutationDelete     Mutation = "DELETE"
	MutationDeactivate Mutation = "DEACTIVATE"
)

// Guard decides whether op may be applied to an entity. A nil result permits it.
type Guard[T any] func(entity T, op Mutation) error

// GuardRoleMutation rejects code changes, deletion and deactivation of system roles.
var GuardRoleMutation Guard[auth.Role] = func(role auth.Role, op Mutation) error {
	if !role.IsSystemRole {
		return nil
	}
	return auth.Invalid(auth.ErrSystemRoleProtected, "cannot %s system role %s", opVerb(op), role.Code)
}

// GuardBranchMutation rejects code changes and deletion of the head office.
var GuardBranchMutation Guard[auth.Branch] = func(branch auth.Branch, op Mutation) error {
	if !branch.IsHeadOffice {
		return nil
	}
	return auth.Invalid(auth.ErrProtectedEntity, "cannot %s head office branch %s", opVerb(op), branch.Code)
}

func opVerb(op Mutation) string {
	switch op {
	case MutationUpdateCode:
		return "change the code of"
	case MutationDelete:
		return "delete"
	case MutationDeactivate:
		return "deactivate"
	default:
		return string(op)
	}
}
