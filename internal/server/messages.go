package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-finance-realtime/internal/events"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a frame sent by a connected client. Exactly one of the
// action fields is expected to be set.
type ClientMessage struct {
	BaseMessage
	Join      *RoomRequest    `json:"join,omitempty"`
	Leave     *RoomRequest    `json:"leave,omitempty"`
	Heartbeat *Heartbeat      `json:"heartbeat,omitempty"`
	Metadata  *MetadataUpdate `json:"metadata,omitempty"`
	Presence  *PresenceQuery  `json:"presence,omitempty"`
}

type RoomRequest struct {
	Room string `json:"room"`
}

type Heartbeat struct{}

type MetadataUpdate struct {
	Data map[string]any `json:"data"`
}

type PresenceQuery struct{}

// ServerMessage is either a response to a client request or a pushed event.
type ServerMessage struct {
	BaseMessage
	Response *Response     `json:"response,omitempty"`
	Event    *events.Event `json:"event,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Priority decides how the message is treated when the client's send buffer
// is under pressure. Responses are never the first thing shed.
func (m *ServerMessage) Priority() events.Priority {
	if m.Event != nil {
		return m.Event.Priority
	}
	return events.PriorityHigh
}

func EventMessage(e events.Event) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: &e,
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrForbidden(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "forbidden")
}

func ErrNotJoined(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not joined")
}

func ErrDefaultRoom(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "default rooms cannot be left")
}

func ErrUnknownRoom(id int) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, "unknown room")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func errResponse(id, code int, text string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}
}

func Now() time.Time {
	return events.Now()
}
