package rbac

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"qazna.org/console/internal/auth"
)

func perm(id int64, code, module string) auth.Permission {
	return auth.Permission{ID: id, Code: code, Module: module}
}

var (
	pX = perm(1, "X", "M1")
	pY = perm(2, "Y", "M1")
	pZ = perm(3, "Z", "M2")
)

func TestEffectivePermissionsUnion(t *testing.T) {
	p := auth.Principal{Roles: []auth.Role{
		{Code: "A", Permissions: []auth.Permission{pX, pY}},
		{Code: "B", Permissions: []auth.Permission{pY, pZ}},
	}}
	got := EffectivePermissions(p)
	if !reflect.DeepEqual(got.Codes(), []string{"X", "Y", "Z"}) {
		t.Fatalf("unexpected effective permissions %v", got.Codes())
	}
	if !HasPermission(p, "Z") {
		t.Fatal("expected Z to be granted")
	}
	if HasPermission(p, "W") {
		t.Fatal("W must not be granted")
	}
}

func TestEffectivePermissionsIsDeduplicatedUnion(t *testing.T) {
	roles := []auth.Role{
		{Permissions: []auth.Permission{pX, pX, pZ}},
		{Permissions: []auth.Permission{pZ}},
		{},
	}
	p := auth.Principal{Roles: roles}
	set := EffectivePermissions(p)
	if len(set) != 2 {
		t.Fatalf("expected 2 distinct codes, got %d", len(set))
	}
	for _, r := range roles {
		for _, rp := range r.Permissions {
			if !set.Has(rp.Code) {
				t.Fatalf("missing %s", rp.Code)
			}
		}
	}
}

func TestEmptyPermissionCodeIsNeverGranted(t *testing.T) {
	p := auth.Principal{Roles: []auth.Role{
		{Code: "A", Permissions: []auth.Permission{pX, perm(9, "", "M1")}},
	}}
	if HasPermission(p, "") {
		t.Fatal("empty code must not be granted")
	}
	if EffectivePermissions(p).Has("") {
		t.Fatal("empty code must not enter the effective set")
	}
	if !HasPermission(p, "X") {
		t.Fatal("expected X to be granted")
	}
}

func TestEffectivePermissionsNoRoles(t *testing.T) {
	if n := len(EffectivePermissions(auth.Principal{})); n != 0 {
		t.Fatalf("expected empty set, got %d", n)
	}
}

func TestGroupByModuleOrdering(t *testing.T) {
	in := []auth.Permission{pZ, perm(7, "Q", "M1"), pY, pX, perm(4, "W", "M3")}
	groups := GroupByModule(in)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	wantModules := []string{"M1", "M2", "M3"}
	for i, g := range groups {
		if g.Module != wantModules[i] {
			t.Fatalf("group %d is %s, want %s", i, g.Module, wantModules[i])
		}
	}
	var ids []int64
	for _, p := range groups[0].Permissions {
		ids = append(ids, p.ID)
	}
	if !reflect.DeepEqual(ids, []int64{1, 2, 7}) {
		t.Fatalf("M1 not in id order: %v", ids)
	}
	if !reflect.DeepEqual(Flatten(groups), []auth.Permission{pX, pY, perm(7, "Q", "M1"), pZ, perm(4, "W", "M3")}) {
		t.Fatalf("unexpected flatten result %v", Flatten(groups))
	}
	if in[0] != pZ {
		t.Fatal("input must not be reordered")
	}
}

func TestGuardRoleMutation(t *testing.T) {
	system := auth.Role{Code: auth.RoleSuperAdmin, IsSystemRole: true}
	custom := auth.Role{Code: "TELLER"}
	for _, op := range []Mutation{MutationUpdateCode, MutationDelete, MutationDeactivate} {
		err := GuardRoleMutation(system, op)
		if !errors.Is(err, auth.ErrValidation) || !errors.Is(err, auth.ErrSystemRoleProtected) {
			t.Fatalf("%s on system role: expected SystemRoleProtected, got %v", op, err)
		}
		if err := GuardRoleMutation(custom, op); err != nil {
			t.Fatalf("%s on custom role: unexpected %v", op, err)
		}
	}
}

func TestGuardBranchMutation(t *testing.T) {
	hq := auth.Branch{Code: "HQ001", IsHeadOffice: true}
	if err := GuardBranchMutation(hq, MutationDelete); !errors.Is(err, auth.ErrProtectedEntity) {
		t.Fatalf("expected ProtectedEntity, got %v", err)
	}
	if err := GuardBranchMutation(auth.Branch{Code: "ALA01"}, MutationDelete); err != nil {
		t.Fatalf("unexpected %v", err)
	}
}

func TestCatalogResolve(t *testing.T) {
	c, err := NewCatalog([]auth.Permission{pZ, pX, pY})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	got, err := c.Resolve([]string{" Z ", "X", "X", ""})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, []auth.Permission{pX, pZ}) {
		t.Fatalf("unexpected resolution %v", got)
	}
	_, err = c.Resolve([]string{"X", "NOPE", "ALSO_NOPE"})
	if !errors.Is(err, auth.ErrUnknownPermissionCode) {
		t.Fatalf("expected UnknownPermissionCode, got %v", err)
	}
	if auth.Message(err) != "NOPE, ALSO_NOPE" {
		t.Fatalf("unexpected detail %q", auth.Message(err))
	}
}

func TestNewCatalogRejectsBrokenEntries(t *testing.T) {
	cases := [][]auth.Permission{
		{pX, perm(9, "X", "M9")},
		{perm(1, "", "M1")},
		{perm(1, "A", "")},
	}
	for _, perms := range cases {
		if _, err := NewCatalog(perms); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %v, got %v", perms, err)
		}
	}
}

type countingSource struct {
	calls atomic.Int32
	perms []auth.Permission
}

func (c *countingSource) Permissions(context.Context) ([]auth.Permission, error) {
	c.calls.Add(1)
	return c.perms, nil
}

func TestResolverCachesCatalog(t *testing.T) {
	src := &countingSource{perms: []auth.Permission{pX, pY, pZ}}
	r := NewResolver(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		groups, err := r.Grouped(ctx)
		if err != nil {
			t.Fatalf("Grouped: %v", err)
		}
		if len(groups) != 2 {
			t.Fatalf("expected 2 modules, got %d", len(groups))
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("expected one load, got %d", n)
	}
	r.Invalidate()
	if _, err := r.Catalog(ctx); err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("expected reload after invalidate, got %d", n)
	}
}
