package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-finance-realtime/internal/types"
)

// Event is the envelope every outbound message travels in.
type Event struct {
	Id        string         `json:"id,omitempty"`
	EventType EventType      `json:"eventType"`
	TenantId  string         `json:"tenantId"`
	UserId    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  Priority       `json:"priority"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func New(t EventType, tenantId, userId string, payload map[string]any) Event {
	return Event{
		Id:        uuid.NewString(),
		EventType: t,
		TenantId:  tenantId,
		UserId:    userId,
		Timestamp: Now(),
		Priority:  PriorityOf(t),
		Payload:   payload,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// Validate checks the typed envelope. Failure rejects the whole event.
func (e Event) Validate() error {
	if !IsValidEventType(string(e.EventType)) {
		return fmt.Errorf("%w: unknown event type %q", types.ErrMalformedEvent, e.EventType)
	}
	if e.TenantId == "" {
		return fmt.Errorf("%w: missing tenantId", types.ErrMalformedEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", types.ErrMalformedEvent)
	}
	return nil
}

// ValidateBaseEvent checks an envelope decoded from untrusted JSON: a catalog
// event type, string tenantId and userId, and a timestamp given either as
// RFC 3339 text or as epoch milliseconds. It returns the typed event.
func ValidateBaseEvent(raw map[string]any) (Event, error) {
	var e Event
	if raw == nil {
		return e, fmt.Errorf("%w: empty envelope", types.ErrMalformedEvent)
	}

	et, ok := raw["eventType"].(string)
	if !ok || !IsValidEventType(et) {
		return e, fmt.Errorf("%w: invalid eventType", types.ErrMalformedEvent)
	}

	tenantId, ok := raw["tenantId"].(string)
	if !ok || tenantId == "" {
		return e, fmt.Errorf("%w: tenantId must be a non-empty string", types.ErrMalformedEvent)
	}

	userId, ok := raw["userId"].(string)
	if !ok {
		return e, fmt.Errorf("%w: userId must be a string", types.ErrMalformedEvent)
	}

	ts, err := parseTimestamp(raw["timestamp"])
	if err != nil {
		return e, fmt.Errorf("%w: %v", types.ErrMalformedEvent, err)
	}

	var payload map[string]any
	if p, present := raw["payload"]; present && p != nil {
		payload, ok = p.(map[string]any)
		if !ok {
			return e, fmt.Errorf("%w: payload must be an object", types.ErrMalformedEvent)
		}
	}

	e = Event{
		Id:        uuid.NewString(),
		EventType: EventType(et),
		TenantId:  tenantId,
		UserId:    userId,
		Timestamp: ts,
		Priority:  PriorityOf(EventType(et)),
		Payload:   payload,
	}
	return e, nil
}

func parseTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", ts)
		}
		return t.UTC(), nil
	case float64:
		if ts <= 0 {
			return time.Time{}, fmt.Errorf("invalid timestamp %v", ts)
		}
		return time.UnixMilli(int64(ts)).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	return time.Time{}, fmt.Errorf("timestamp has unsupported type %T", v)
}
