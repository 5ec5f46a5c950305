package rbac

import "errors"

// Sentinel errors for registry and role graph operations.
var (
	// ErrDuplicateName is returned when a permission or role name already exists.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrNotFound is returned when a permission, role or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCyclicInheritance is returned when role inheritance would form a cycle.
	ErrCyclicInheritance = errors.New("cyclic role inheritance")
	// ErrPermissionInUse is returned when revising or deleting a permission still granted by a role.
	ErrPermissionInUse = errors.New("permission is referenced by a role")
	// ErrRoleInUse is returned when deleting a role that other roles inherit from.
	ErrRoleInUse = errors.New("role is inherited by another role")
	// ErrSystemRole is returned when a non-privileged caller deletes or renames a system role.
	ErrSystemRole = errors.New("system role requires privileged operation")
	// ErrInvalid is returned for structurally invalid permissions or roles.
	ErrInvalid = errors.New("invalid definition")
)
