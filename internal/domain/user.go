// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUnknownRole     = errors.New("unknown role")
)

type UserID string

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleMember, RoleViewer:
		return Role(s), nil
	case "":
		return RoleMember, nil
	}
	return "", ErrUnknownRole
}

// User is the verified identity attached to a connection.
// It is immutable once bound.
type User struct {
	ID       UserID    `json:"id"`
	Username string    `json:"name"`
	Email    string    `json:"email,omitempty"`
	Avatar   string    `json:"avatar,omitempty"`
	Role     Role      `json:"role"`
	LastSeen time.Time `json:"last_seen"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, username string, role Role) (*User, error) {
	if len(id) == 0 {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	if role == "" {
		role = RoleMember
	}
	return &User{ID: id, Username: username, Role: role, LastSeen: time.Now().UTC()}, nil
}
