package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

type EventType string

const (
	UserJoined        EventType = "user:joined"
	UserLeft          EventType = "user:left"
	PresenceOnline    EventType = "presence:online_users"
	PresenceHeartbeat EventType = "presence:heartbeat"
	PresenceUpdated   EventType = "presence:updated"

	TransactionCreated     EventType = "transaction:created"
	TransactionUpdated     EventType = "transaction:updated"
	TransactionDeleted     EventType = "transaction:deleted"
	TransactionBulkCreated EventType = "transaction:bulk_created"
	TransactionBulkUpdated EventType = "transaction:bulk_updated"
	TransactionBulkDeleted EventType = "transaction:bulk_deleted"

	AccountCreated        EventType = "account:created"
	AccountUpdated        EventType = "account:updated"
	AccountDeleted        EventType = "account:deleted"
	AccountBalanceUpdated EventType = "account:balance_updated"

	CardCreated EventType = "card:created"
	CardUpdated EventType = "card:updated"
	CardDeleted EventType = "card:deleted"

	CategoryCreated EventType = "category:created"
	CategoryUpdated EventType = "category:updated"
	CategoryDeleted EventType = "category:deleted"

	TenantUpdated         EventType = "tenant:updated"
	TenantSettingsUpdated EventType = "tenant:settings_updated"

	UserRoleChanged EventType = "user:role_changed"

	SystemNotification EventType = "system:notification"
	SystemMaintenance  EventType = "system:maintenance"

	ErrorRateLimitExceeded EventType = "error:rate_limit_exceeded"
	ErrorUnauthorized      EventType = "error:unauthorized"
	ErrorForbidden         EventType = "error:forbidden"
	ErrorInvalidEvent      EventType = "error:invalid_event"
)

// Priority is advisory delivery metadata. CRITICAL events are never dropped
// under load; LOW events are the first to go.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch strings.ToUpper(s) {
	case "LOW":
		*p = PriorityLow
	case "NORMAL":
		*p = PriorityNormal
	case "HIGH":
		*p = PriorityHigh
	case "CRITICAL":
		*p = PriorityCritical
	default:
		return fmt.Errorf("unknown priority %q", s)
	}
	return nil
}

var catalog = map[EventType]Priority{
	UserJoined:        PriorityLow,
	UserLeft:          PriorityLow,
	PresenceOnline:    PriorityLow,
	PresenceHeartbeat: PriorityLow,
	PresenceUpdated:   PriorityLow,

	TransactionCreated:     PriorityNormal,
	TransactionUpdated:     PriorityNormal,
	TransactionDeleted:     PriorityNormal,
	TransactionBulkCreated: PriorityCritical,
	TransactionBulkUpdated: PriorityCritical,
	TransactionBulkDeleted: PriorityCritical,

	AccountCreated:        PriorityNormal,
	AccountUpdated:        PriorityNormal,
	AccountDeleted:        PriorityHigh,
	AccountBalanceUpdated: PriorityHigh,

	CardCreated: PriorityNormal,
	CardUpdated: PriorityNormal,
	CardDeleted: PriorityHigh,

	CategoryCreated: PriorityNormal,
	CategoryUpdated: PriorityNormal,
	CategoryDeleted: PriorityNormal,

	TenantUpdated:         PriorityHigh,
	TenantSettingsUpdated: PriorityHigh,

	UserRoleChanged: PriorityCritical,

	SystemNotification: PriorityNormal,
	SystemMaintenance:  PriorityCritical,

	ErrorRateLimitExceeded: PriorityHigh,
	ErrorUnauthorized:      PriorityHigh,
	ErrorForbidden:         PriorityHigh,
	ErrorInvalidEvent:      PriorityHigh,
}

// IsValidEventType reports whether s names an event in the catalog.
func IsValidEventType(s string) bool {
	_, ok := catalog[EventType(s)]
	return ok
}

// PriorityOf returns the catalog priority, or NORMAL for unknown types.
func PriorityOf(t EventType) Priority {
	if p, ok := catalog[t]; ok {
		return p
	}
	return PriorityNormal
}

// Domain returns the entity part of the type, e.g. "transaction".
func (t EventType) Domain() string {
	d, _, _ := strings.Cut(string(t), ":")
	return d
}

func Types() []EventType {
	out := make([]EventType, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	return out
}
