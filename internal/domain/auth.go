package domain

// Role decides which actors may trigger sync operations.
type Role string

const (
	// RoleAgent edits tickets and comments; its mutations trigger pushes.
	RoleAgent Role = "AGENT"
	// RoleOperator may additionally reconcile, retry and inspect failures.
	RoleOperator Role = "OPERATOR"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleOperator
}

// Actor identifies who caused a change.
type Actor struct {
	ID   string
	Role Role
}
