package models

// Role names carried in caller tokens.
type Role = string

const (
	// RoleAdmin may provision nodes and sees the privileged node view
	RoleAdmin Role = "admin"

	// RoleReader may list and read nodes
	RoleReader Role = "reader"

	// RoleJobReader may additionally see the job a node is running
	RoleJobReader Role = "job-reader"

	// RoleAgent is used by scheduler integrations reporting slurm state
	RoleAgent Role = "agent"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleReader, RoleJobReader, RoleAgent}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}
