package server

import (
	"maps"

	"github.com/npezzotti/go-finance-realtime/internal/events"
	"github.com/npezzotti/go-finance-realtime/internal/rooms"
	"github.com/npezzotti/go-finance-realtime/internal/types"
)

type Phase int

const (
	PhaseAdmitted Phase = iota
	PhaseOpen
	PhaseClosed
)

// ConnState is everything the lifecycle needs to know about one connection.
// Transition never mutates the state it is given.
type ConnState struct {
	Phase Phase
	Conn  types.Connection
	Rooms map[string]struct{}
}

func NewConnState(conn types.Connection) ConnState {
	return ConnState{
		Phase: PhaseAdmitted,
		Conn:  conn,
		Rooms: map[string]struct{}{},
	}
}

func (s ConnState) Joined(room string) bool {
	_, ok := s.Rooms[room]
	return ok
}

type ConnEvent interface{ connEvent() }

type (
	Connected     struct{ Metadata map[string]any }
	JoinRequested struct {
		ReqId int
		Room  string
	}
	LeaveRequested struct {
		ReqId int
		Room  string
	}
	HeartbeatReceived struct{ ReqId int }
	PongReceived      struct{}
	MetadataUpdated   struct {
		ReqId    int
		Metadata map[string]any
	}
	PresenceRequested struct{ ReqId int }
	Throttled         struct{ ReqId int }
	InvalidMessage    struct{ ReqId int }
	Disconnected      struct{}
)

func (Connected) connEvent()         {}
func (JoinRequested) connEvent()     {}
func (LeaveRequested) connEvent()    {}
func (HeartbeatReceived) connEvent() {}
func (PongReceived) connEvent()      {}
func (MetadataUpdated) connEvent()   {}
func (PresenceRequested) connEvent() {}
func (Throttled) connEvent()         {}
func (InvalidMessage) connEvent()    {}
func (Disconnected) connEvent()      {}

// Effect is a side effect requested by Transition and carried out by the
// client in the order given.
type Effect interface{ effect() }

type (
	// MarkOnline records the connection in the presence directory. Failure
	// aborts the connection.
	MarkOnline struct{ Metadata map[string]any }
	// RemovePresence drops the socket from presence and announces user:left
	// when it was the user's last one.
	RemovePresence struct{}
	TouchPresence  struct{}
	StoreMetadata  struct{ Metadata map[string]any }
	JoinRoom       struct{ Room string }
	LeaveRoom      struct{ Room string }
	// Unregister removes the client from the hub and every room it joined.
	Unregister       struct{}
	ReleaseAdmission struct{}
	Reply            struct{ Msg *ServerMessage }
	SendOnlineUsers  struct{ ReqId int }
	Broadcast        struct {
		Rooms []string
		Event events.Event
	}
	// DenyTenant reports a cross-tenant attempt through the tenant guard.
	DenyTenant struct {
		Room           string
		RequiredTenant string
	}
	// DenyRole reports an in-tenant request the identity is not entitled to.
	DenyRole struct{ Room string }
)

func (MarkOnline) effect()       {}
func (RemovePresence) effect()   {}
func (TouchPresence) effect()    {}
func (StoreMetadata) effect()    {}
func (JoinRoom) effect()         {}
func (LeaveRoom) effect()        {}
func (Unregister) effect()       {}
func (ReleaseAdmission) effect() {}
func (Reply) effect()            {}
func (SendOnlineUsers) effect()  {}
func (Broadcast) effect()        {}
func (DenyTenant) effect()       {}
func (DenyRole) effect()         {}

// Transition computes the next state of a connection and the effects the
// event calls for. Denied requests produce a reply and a security report but
// never close the connection.
func Transition(s ConnState, ev ConnEvent) (ConnState, []Effect) {
	id := s.Conn.Identity

	if s.Phase == PhaseClosed {
		return s, nil
	}

	switch ev := ev.(type) {
	case Connected:
		if s.Phase != PhaseAdmitted {
			return s, nil
		}
		next := s.with(PhaseOpen)
		effects := []Effect{MarkOnline{Metadata: events.SanitizeEventData(ev.Metadata)}}
		for _, r := range rooms.DefaultRoomsFor(id.TenantId, id.UserId) {
			name := r.String()
			next.Rooms[name] = struct{}{}
			effects = append(effects, JoinRoom{Room: name})
		}
		effects = append(effects, Broadcast{
			Rooms: []string{rooms.Tenant(id.TenantId).String()},
			Event: events.New(events.UserJoined, id.TenantId, id.UserId, map[string]any{
				"socketId": s.Conn.SocketId,
				"email":    id.Email,
				"role":     string(id.Role),
			}),
		})
		return next, effects

	case Disconnected:
		next := s.with(PhaseClosed)
		next.Rooms = map[string]struct{}{}
		if s.Phase == PhaseAdmitted {
			return next, []Effect{Unregister{}, ReleaseAdmission{}}
		}
		return next, []Effect{Unregister{}, RemovePresence{}, ReleaseAdmission{}}
	}

	if s.Phase != PhaseOpen {
		return s, nil
	}

	switch ev := ev.(type) {
	case JoinRequested:
		if s.Joined(ev.Room) {
			return s, []Effect{Reply{Msg: NoErrOK(ev.ReqId, map[string]any{"room": ev.Room})}}
		}
		room := rooms.Parse(ev.Room)
		if room.Kind == rooms.KindUnknown {
			return s, []Effect{Reply{Msg: ErrUnknownRoom(ev.ReqId)}}
		}
		if !rooms.ValidateAccess(ev.Room, id.TenantId) {
			return s, []Effect{
				DenyTenant{Room: ev.Room, RequiredTenant: room.TenantId},
				Reply{Msg: ErrForbidden(ev.ReqId)},
			}
		}
		if !rooms.Authorize(ev.Room, id) {
			return s, []Effect{
				DenyRole{Room: ev.Room},
				Reply{Msg: ErrForbidden(ev.ReqId)},
			}
		}
		next := s.with(s.Phase)
		next.Rooms[ev.Room] = struct{}{}
		return next, []Effect{
			JoinRoom{Room: ev.Room},
			Reply{Msg: NoErrOK(ev.ReqId, map[string]any{"room": ev.Room})},
		}

	case LeaveRequested:
		if !s.Joined(ev.Room) {
			return s, []Effect{Reply{Msg: ErrNotJoined(ev.ReqId)}}
		}
		if rooms.IsDefault(ev.Room, id) {
			return s, []Effect{Reply{Msg: ErrDefaultRoom(ev.ReqId)}}
		}
		next := s.with(s.Phase)
		delete(next.Rooms, ev.Room)
		return next, []Effect{
			LeaveRoom{Room: ev.Room},
			Reply{Msg: NoErrOK(ev.ReqId, map[string]any{"room": ev.Room})},
		}

	case HeartbeatReceived:
		return s, []Effect{
			TouchPresence{},
			Reply{Msg: NoErrOK(ev.ReqId, nil)},
		}

	case PongReceived:
		return s, []Effect{TouchPresence{}}

	case MetadataUpdated:
		meta := events.SanitizeEventData(ev.Metadata)
		return s, []Effect{
			StoreMetadata{Metadata: meta},
			Broadcast{
				Rooms: []string{rooms.Tenant(id.TenantId).String()},
				Event: events.New(events.PresenceUpdated, id.TenantId, id.UserId, map[string]any{
					"metadata": meta,
				}),
			},
			Reply{Msg: NoErrOK(ev.ReqId, nil)},
		}

	case PresenceRequested:
		return s, []Effect{SendOnlineUsers{ReqId: ev.ReqId}}

	case Throttled:
		e := events.New(events.ErrorRateLimitExceeded, id.TenantId, id.UserId, map[string]any{
			"requestId": ev.ReqId,
		})
		return s, []Effect{Reply{Msg: EventMessage(e)}}

	case InvalidMessage:
		return s, []Effect{Reply{Msg: ErrInvalidMessage(ev.ReqId)}}
	}

	return s, nil
}

func (s ConnState) with(p Phase) ConnState {
	next := s
	next.Phase = p
	next.Rooms = maps.Clone(s.Rooms)
	if next.Rooms == nil {
		next.Rooms = map[string]struct{}{}
	}
	return next
}

// eventFor maps a decoded client frame to a lifecycle event.
func eventFor(msg *ClientMessage) ConnEvent {
	switch {
	case msg.Join != nil:
		return JoinRequested{ReqId: msg.Id, Room: msg.Join.Room}
	case msg.Leave != nil:
		return LeaveRequested{ReqId: msg.Id, Room: msg.Leave.Room}
	case msg.Heartbeat != nil:
		return HeartbeatReceived{ReqId: msg.Id}
	case msg.Metadata != nil:
		return MetadataUpdated{ReqId: msg.Id, Metadata: msg.Metadata.Data}
	case msg.Presence != nil:
		return PresenceRequested{ReqId: msg.Id}
	}
	return InvalidMessage{ReqId: msg.Id}
}
