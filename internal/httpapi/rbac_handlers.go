package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/rbac"
)

type rolePermissionsRequest struct {
	PermissionCodes []string `json:"permissionCodes"`
}

type userRolesRequest struct {
	RoleIDs []int64 `json:"roleIds"`
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, auth.Invalid(auth.ErrInvalidInput, "invalid id %q", raw)
	}
	return id, nil
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.Permissions(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, perms)
}

// handleGroupedPermissions returns the catalog keyed by module.
func (a *API) handleGroupedPermissions(w http.ResponseWriter, r *http.Request) {
	groups, err := a.rbac.GroupedPermissions(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	byModule := make(map[string][]auth.Permission, len(groups))
	for _, g := range groups {
		byModule[g.Module] = g.Permissions
	}
	writeData(w, http.StatusOK, byModule)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.rbac.ListRoles(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, roles)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	role, err := a.rbac.GetRole(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, role)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var in rbac.RoleInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var upd rbac.RoleUpdate
	if err := decodeJSON(r, &upd); err != nil {
		respondError(w, r, err)
		return
	}
	role, err := a.rbac.UpdateRole(r.Context(), id, upd)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, role)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req rolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	role, err := a.rbac.SetRolePermissions(r.Context(), id, req.PermissionCodes)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := a.rbac.DeleteRole(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	writeData[any](w, http.StatusOK, nil)
}

func (a *API) handleAssignRoles(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	var req userRolesRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	principal, err := a.rbac.AssignRoles(r.Context(), id, req.RoleIDs)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, principal)
}

func (a *API) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := a.rbac.ListBranches(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, branches)
}

func (a *API) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := a.rbac.DeleteBranch(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	writeData[any](w, http.StatusOK, nil)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	f, page, size, err := audit.ParseQuery(r.URL.Query())
	if err != nil {
		respondError(w, r, err)
		return
	}
	res, err := a.audit.Query(r.Context(), f, page, size)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
