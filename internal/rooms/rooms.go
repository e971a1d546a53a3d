// Package rooms names the broadcast channels of the gateway and decides who
// may use them. Rooms are never stored; a Room value is built by one of the
// constructors below and only turned into a string at the transport boundary.
package rooms

import (
	"strings"

	"github.com/npezzotti/go-finance-realtime/internal/types"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindTenant
	KindUser
	KindEntity
	KindEntityType
	KindAdmin
	KindNotifications
)

func (k Kind) String() string {
	switch k {
	case KindTenant:
		return "tenant"
	case KindUser:
		return "user"
	case KindEntity:
		return "entity"
	case KindEntityType:
		return "type"
	case KindAdmin:
		return "admin"
	case KindNotifications:
		return "notifications"
	}
	return "unknown"
}

const (
	prefixTenant = "tenant"
	prefixUser   = "user"
	prefixEntity = "entity"
	prefixType   = "type"

	suffixAdmin         = "admin"
	suffixNotifications = "notifications"

	sep = ":"
)

// Room identifies a logical channel. Only the fields relevant to Kind are set.
type Room struct {
	Kind       Kind
	TenantId   string
	UserId     string
	EntityType string
	EntityId   string
}

func Tenant(tenantId string) Room {
	return Room{Kind: KindTenant, TenantId: tenantId}
}

func User(tenantId, userId string) Room {
	return Room{Kind: KindUser, TenantId: tenantId, UserId: userId}
}

func Entity(tenantId, entityType, entityId string) Room {
	return Room{Kind: KindEntity, TenantId: tenantId, EntityType: entityType, EntityId: entityId}
}

func EntityType(tenantId, entityType string) Room {
	return Room{Kind: KindEntityType, TenantId: tenantId, EntityType: entityType}
}

func Admin(tenantId string) Room {
	return Room{Kind: KindAdmin, TenantId: tenantId}
}

func Notifications(tenantId string) Room {
	return Room{Kind: KindNotifications, TenantId: tenantId}
}

// String renders the wire name of the room.
func (r Room) String() string {
	switch r.Kind {
	case KindTenant:
		return join(prefixTenant, r.TenantId)
	case KindUser:
		return join(prefixUser, r.TenantId, r.UserId)
	case KindEntity:
		return join(prefixEntity, r.TenantId, r.EntityType, r.EntityId)
	case KindEntityType:
		return join(prefixType, r.TenantId, r.EntityType)
	case KindAdmin:
		return join(prefixTenant, r.TenantId, suffixAdmin)
	case KindNotifications:
		return join(prefixTenant, r.TenantId, suffixNotifications)
	}
	return ""
}

func join(parts ...string) string {
	return strings.Join(parts, sep)
}

// Valid reports whether the room is a known kind whose identifiers are all
// present and free of the separator. An invalid room never round-trips.
func (r Room) Valid() bool {
	return r.Kind != KindUnknown && Parse(r.String()) == r
}

// Parse decomposes a wire name. Anything that does not match one of the
// naming patterns exactly comes back as KindUnknown.
func Parse(name string) Room {
	parts := strings.Split(name, sep)
	for _, p := range parts {
		if p == "" {
			return Room{Kind: KindUnknown}
		}
	}

	switch {
	case len(parts) == 2 && parts[0] == prefixTenant:
		return Tenant(parts[1])
	case len(parts) == 3 && parts[0] == prefixTenant && parts[2] == suffixAdmin:
		return Admin(parts[1])
	case len(parts) == 3 && parts[0] == prefixTenant && parts[2] == suffixNotifications:
		return Notifications(parts[1])
	case len(parts) == 3 && parts[0] == prefixUser:
		return User(parts[1], parts[2])
	case len(parts) == 4 && parts[0] == prefixEntity:
		return Entity(parts[1], parts[2], parts[3])
	case len(parts) == 3 && parts[0] == prefixType:
		return EntityType(parts[1], parts[2])
	}

	return Room{Kind: KindUnknown}
}

// DefaultRoomsFor returns the rooms every connection joins automatically.
func DefaultRoomsFor(tenantId, userId string) []Room {
	return []Room{Tenant(tenantId), User(tenantId, userId)}
}

// BroadcastRoomsFor returns the fan-out targets for one mutation, broadest first.
func BroadcastRoomsFor(tenantId, entityType, entityId string) []Room {
	return []Room{
		Tenant(tenantId),
		EntityType(tenantId, entityType),
		Entity(tenantId, entityType, entityId),
	}
}

// ValidateAccess is the tenant predicate every join and receive outside the
// default set must pass: the room's tenant segment must equal tenantId.
func ValidateAccess(name string, tenantId string) bool {
	if tenantId == "" {
		return false
	}
	r := Parse(name)
	return r.Kind != KindUnknown && r.TenantId == tenantId
}

// Authorize extends ValidateAccess with the per-kind rules: admin rooms need
// an admin role and a user room belongs to that user alone.
func Authorize(name string, id types.Identity) bool {
	if !ValidateAccess(name, id.TenantId) {
		return false
	}

	r := Parse(name)
	switch r.Kind {
	case KindAdmin:
		return id.Role.IsAdmin()
	case KindUser:
		return r.UserId == id.UserId
	}
	return true
}

// IsDefault reports whether name is one of the identity's automatic rooms.
func IsDefault(name string, id types.Identity) bool {
	for _, r := range DefaultRoomsFor(id.TenantId, id.UserId) {
		if r.String() == name {
			return true
		}
	}
	return false
}

func Names(rs []Room) []string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = r.String()
	}
	return names
}
