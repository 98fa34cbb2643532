package rbac

import (
	"sort"

	"qazna.org/console/internal/auth"
)

// PermissionSet is a deduplicated set of permission codes.
type PermissionSet map[string]struct{}

// Has reports whether code is in the set.
func (s PermissionSet) Has(code string) bool {
	_, ok := s[code]
	return ok
}

// Codes returns the set's codes sorted alphabetically.
func (s PermissionSet) Codes() []string {
	out := make([]string, 0, len(s))
	for code := range s {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// EffectivePermissions is the union of the permission codes of every role held by p.
func EffectivePermissions(p auth.Principal) PermissionSet {
	set := make(PermissionSet)
	for _, role := range p.Roles {
		for _, perm := range role.Permissions {
			if perm.Code == "" {
				continue
			}
			set[perm.Code] = struct{}{}
		}
	}
	return set
}

// HasPermission reports whether any of p's roles grants code. The empty code is never granted.
func HasPermission(p auth.Principal, code string) bool {
	if code == "" {
		return false
	}
	for _, role := range p.Roles {
		for _, perm := range role.Permissions {
			if perm.Code == code {
				return true
			}
		}
	}
	return false
}

// ModuleGroup is one module of the catalog with its permissions in ID order.
type ModuleGroup struct {
	Module      string            `json:"module"`
	Permissions []auth.Permission `json:"permissions"`
}

// GroupByModule groups perms by module. Permissions within a module are ordered by ID
// ascending; modules are ordered by their lowest permission ID.
func GroupByModule(perms []auth.Permission) []ModuleGroup {
	sorted := make([]auth.Permission, len(perms))
	copy(sorted, perms)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	index := make(map[string]int)
	var groups []ModuleGroup
	for _, p := range sorted {
		i, ok := index[p.Module]
		if !ok {
			i = len(groups)
			index[p.Module] = i
			groups = append(groups, ModuleGroup{Module: p.Module})
		}
		groups[i].Permissions = append(groups[i].Permissions, p)
	}
	return groups
}

// Flatten reverses GroupByModule.
func Flatten(groups []ModuleGroup) []auth.Permission {
	var out []auth.Permission
	for _, g := range groups {
		out = append(out, g.Permissions...)
	}
	return out
}
