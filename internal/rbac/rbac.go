package rbac

// Role constants
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Permission constants
const (
	PermEnableAutomation  = "enable_automation"
	PermDisableAutomation = "disable_automation"
	PermForceAction       = "force_action"
	PermViewDebug         = "view_debug"
	PermViewTasks         = "view_tasks"
	PermStreamEvents      = "stream_events"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleAdmin: {
		PermEnableAutomation, PermDisableAutomation, PermForceAction,
		PermViewDebug, PermViewTasks, PermStreamEvents,
	},
	RoleOperator: {
		PermEnableAutomation, PermDisableAutomation, PermForceAction,
		PermViewDebug,
		// Operator CANNOT: PermViewTasks, PermStreamEvents
	},
	RoleViewer: {
		PermViewDebug, PermViewTasks,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsOverride checks if permission changes the external campaign directly.
func IsOverride(permission string) bool {
	return permission == PermForceAction
}
