package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the coarse-grained role a user holds.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleUser   Role = "user"
)

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleAdmin, RoleEditor, RoleUser:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

// Status is the account state of a user.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusBlocked   Status = "blocked"
)

// ParseStatus validates a status name.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusActive, StatusSuspended, StatusBlocked:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
}

// User is a portal account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Status       Status    `json:"status"`
	Phone        string    `json:"phone,omitempty"`
	Position     string    `json:"position,omitempty"`
	CompanyID    *string   `json:"company_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Active reports whether the account may act at all.
func (u User) Active() bool { return u.Status == StatusActive }

// IsAdmin reports whether the user passes an admin check. Deactivated admins
// do not.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin && u.Active() }

// RequireAdmin gates admin-only operations: non-admins are forbidden and
// deactivated admins count as unauthenticated.
func RequireAdmin(u User) error {
	switch {
	case u.IsAdmin():
		return nil
	case u.Role != RoleAdmin:
		return fmt.Errorf("%w: admin access required", ErrForbidden)
	default:
		return fmt.Errorf("%w: account is %s", ErrUnauthenticated, u.Status)
	}
}
