package auth

// Permission modules.
const (
	ModuleUser     = "USER"
	ModuleRole     = "ROLE"
	ModuleBranch   = "BRANCH"
	ModuleCustomer = "CUSTOMER"
	ModuleAccount  = "ACCOUNT"
	ModuleAudit    = "AUDIT"
)

// Permission codes used by the console itself.
const (
	PermUserView       = "USER_VIEW"
	PermUserCreate     = "USER_CREATE"
	PermUserUpdate     = "USER_UPDATE"
	PermUserDelete     = "USER_DELETE"
	PermRoleView       = "ROLE_VIEW"
	PermRoleCreate     = "ROLE_CREATE"
	PermRoleUpdate     = "ROLE_UPDATE"
	PermRoleDelete     = "ROLE_DELETE"
	PermBranchView     = "BRANCH_VIEW"
	PermBranchCreate   = "BRANCH_CREATE"
	PermBranchUpdate   = "BRANCH_UPDATE"
	PermBranchDelete   = "BRANCH_DELETE"
	PermCustomerView   = "CUSTOMER_VIEW"
	PermCustomerCreate = "CUSTOMER_CREATE"
	PermAccountView    = "ACCOUNT_VIEW"
	PermAccountCreate  = "ACCOUNT_CREATE"
	PermAuditView      = "AUDIT_VIEW"
	PermPermissionView = "PERMISSION_VIEW"
)

// BuiltinPermissions is the seeded catalog in canonical (ID ascending) order.
var BuiltinPermissions = []Permission{
	{ID: 1, Code: PermUserView, Module: ModuleUser, Description: "View users"},
	{ID: 2, Code: PermUserCreate, Module: ModuleUser, Description: "Create users"},
	{ID: 3, Code: PermUserUpdate, Module: ModuleUser, Description: "Update users and their roles"},
	{ID: 4, Code: PermUserDelete, Module: ModuleUser, Description: "Delete users"},
	{ID: 5, Code: PermRoleView, Module: ModuleRole, Description: "View roles"},
	{ID: 6, Code: PermRoleCreate, Module: ModuleRole, Description: "Create roles"},
	{ID: 7, Code: PermRoleUpdate, Module: ModuleRole, Description: "Update roles"},
	{ID: 8, Code: PermRoleDelete, Module: ModuleRole, Description: "Delete roles"},
	{ID: 9, Code: PermBranchView, Module: ModuleBranch, Description: "View branches"},
	{ID: 10, Code: PermBranchCreate, Module: ModuleBranch, Description: "Create branches"},
	{ID: 11, Code: PermBranchUpdate, Module: ModuleBranch, Description: "Update branches"},
	{ID: 12, Code: PermBranchDelete, Module: ModuleBranch, Description: "Delete branches"},
	{ID: 13, Code: PermCustomerView, Module: ModuleCustomer, Description: "View customers"},
	{ID: 14, Code: PermCustomerCreate, Module: ModuleCustomer, Description: "Create customers"},
	{ID: 15, Code: PermAccountView, Module: ModuleAccount, Description: "View accounts"},
	{ID: 16, Code: PermAccountCreate, Module: ModuleAccount, Description: "Open accounts"},
	{ID: 17, Code: PermAuditView, Module: ModuleAudit, Description: "View the audit trail"},
	{ID: 18, Code: PermPermissionView, Module: ModuleRole, Description: "View the permission catalog"},
}

// System role codes.
const (
	RoleSuperAdmin    = "SUPER_ADMIN"
	RoleBranchManager = "BRANCH_MANAGER"
)
