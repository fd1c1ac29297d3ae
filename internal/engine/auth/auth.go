package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// Role is a rung on the approval hierarchy. Higher roles satisfy any
// requirement a lower role satisfies.
type Role int

const (
	RoleNone Role = iota
	RoleTech
	RoleSupervisor
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleTech:       "tech",
	RoleSupervisor: "supervisor",
	RoleAdmin:      "admin",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return ""
}

// Parse maps a role name onto the hierarchy. The empty string parses to
// RoleNone without error so optional role fields stay optional.
func Parse(s string) (Role, error) {
	switch s {
	case "":
		return RoleNone, nil
	case "tech":
		return RoleTech, nil
	case "supervisor":
		return RoleSupervisor, nil
	case "admin":
		return RoleAdmin, nil
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// Meets reports whether r satisfies a requirement of required.
func (r Role) Meets(required Role) bool {
	return r >= required
}

// InsufficientRoleError indicates the approver's role sits below the
// stage's required approver role.
type InsufficientRoleError struct {
	Required Role
	Actual   Role
}

func (e InsufficientRoleError) Error() string {
	return fmt.Sprintf("role %s required, actor has %s", e.Required, e.Actual)
}

// Service resolves project membership roles from SQL.
type Service struct {
	DB *sql.DB
}

// MemberRole returns the actor's role on the project, or RoleNone when the
// actor holds no membership.
func (s Service) MemberRole(ctx context.Context, projectID, actorID string) (Role, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT role FROM project_members WHERE project_id=? AND actor_id=?`, projectID, actorID)
	var name string
	err := row.Scan(&name)
	if err == sql.ErrNoRows {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, err
	}
	return Parse(name)
}

// FirstActorWithRole returns the earliest-granted member holding exactly the
// given role, or "" if none exists.
func (s Service) FirstActorWithRole(ctx context.Context, projectID string, role Role) (string, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT actor_id FROM project_members WHERE project_id=? AND role=? ORDER BY created_at ASC, actor_id ASC LIMIT 1`,
		projectID, role.String())
	var actorID string
	err := row.Scan(&actorID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return actorID, err
}
