package auth

const (
	PermUsersManage   = "users.manage"
	PermRolesManage   = "roles.manage"
	PermTenantsManage = "tenants.manage"
	PermStaffAssign   = "outlet.staff.assign"
	PermStaffView     = "outlet.staff.view"
	PermStockAdjust   = "product.stock.adjust"
	PermStockView     = "product.stock.view"
	PermExpenseRecord = "expense.record"
	PermExpenseView   = "expense.view"
	PermSaleRecord    = "pos.sale.record"
)

// Catalog lists every permission a role may carry.
var Catalog = []string{
	PermUsersManage,
	PermRolesManage,
	PermTenantsManage,
	PermStaffAssign,
	PermStaffView,
	PermStockAdjust,
	PermStockView,
	PermExpenseRecord,
	PermExpenseView,
	PermSaleRecord,
}

// tenantScoped is the catalog minus permissions that reach across tenants.
var tenantScoped = []string{
	PermUsersManage,
	PermRolesManage,
	PermStaffAssign,
	PermStaffView,
	PermStockAdjust,
	PermStockView,
	PermExpenseRecord,
	PermExpenseView,
	PermSaleRecord,
}

// BuiltinRoles are seeded into every store. Their permission sets cannot be
// changed through the directory.
var BuiltinRoles = []Role{
	{Name: RolePlatformAdmin, Description: "Platform administrator", Permissions: Catalog},
	{Name: RoleAdmin, Description: "Tenant administrator", Permissions: tenantScoped},
	{Name: RoleManager, Description: "Outlet manager", Permissions: []string{
		PermStaffAssign, PermStaffView, PermStockAdjust, PermStockView,
		PermExpenseRecord, PermExpenseView, PermSaleRecord,
	}},
	{Name: RoleStaff, Description: "Outlet staff", Permissions: []string{
		PermStaffView, PermStockView, PermSaleRecord,
	}},
	{Name: RoleCashier, Description: "Point of sale operator", Permissions: []string{
		PermStockView, PermSaleRecord,
	}},
}

// IsBuiltinRole reports whether name is one of BuiltinRoles.
func IsBuiltinRole(name string) bool {
	name = NormalizeRole(name)
	for _, r := range BuiltinRoles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// KnownPermission reports whether key is in the catalog.
func KnownPermission(key string) bool {
	for _, p := range Catalog {
		if p == key {
			return true
		}
	}
	return false
}
