package types

import (
	"time"
)

type Role string

const (
	RoleMember     Role = "member"
	RoleViewer     Role = "viewer"
	RoleAdmin      Role = "admin"
	RoleOwner      Role = "owner"
	RoleSuperAdmin Role = "super_admin"
)

// IsAdmin reports whether the role may use a tenant's admin room.
func (r Role) IsAdmin() bool {
	switch r {
	case RoleAdmin, RoleOwner, RoleSuperAdmin:
		return true
	}
	return false
}

// Identity is the tenant-scoped principal bound to a connection for its lifetime.
type Identity struct {
	UserId   string `json:"userId"`
	TenantId string `json:"tenantId"`
	Email    string `json:"email,omitempty"`
	Role     Role   `json:"role"`
}

// User is the identity read-model consulted when a token is presented.
type User struct {
	Id           string    `json:"id"`
	TenantId     string    `json:"tenantId"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	TenantActive bool      `json:"tenantActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (u User) Identity() Identity {
	return Identity{
		UserId:   u.Id,
		TenantId: u.TenantId,
		Email:    u.Email,
		Role:     u.Role,
	}
}

// Connection is an authenticated socket.
type Connection struct {
	SocketId    string    `json:"socketId"`
	Identity    Identity  `json:"identity"`
	ConnectedAt time.Time `json:"connectedAt"`
}
