package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-finance-realtime/internal/events"
	"github.com/npezzotti/go-finance-realtime/internal/rooms"
	"github.com/npezzotti/go-finance-realtime/internal/stats"
	"github.com/npezzotti/go-finance-realtime/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	effectTimeout  = 5 * time.Second
)

type Client struct {
	ws         *websocket.Conn
	conn       types.Connection
	gw         *Gateway
	log        *zap.Logger
	limiter    *rate.Limiter
	state      ConnState
	refreshed  time.Time
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
	writerDone chan struct{}
	readerDone chan struct{}
}

func NewClient(ws *websocket.Conn, conn types.Connection, gw *Gateway) *Client {
	return &Client{
		ws:   ws,
		conn: conn,
		gw:   gw,
		log: gw.log.With(
			zap.String("socket_id", conn.SocketId),
			zap.String("user_id", conn.Identity.UserId),
			zap.String("tenant_id", conn.Identity.TenantId),
		),
		limiter:    rate.NewLimiter(gw.cfg.MessageRate, gw.cfg.MessageBurst),
		state:      NewConnState(conn),
		send:       make(chan *ServerMessage, gw.cfg.SendBuffer),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

func (c *Client) Connection() types.Connection {
	return c.conn
}

// Done is closed after the connection has fully disconnected.
func (c *Client) Done() <-chan struct{} {
	return c.readerDone
}

// Start registers the client, marks it online and joins its default rooms
// before any frame is read. If presence cannot be recorded the socket is
// closed with a try-again-later status.
func (c *Client) Start(meta map[string]any) error {
	if err := c.gw.hub.Register(c); err != nil {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.handle(Disconnected{})
		close(c.readerDone)
		return err
	}

	if err := c.handle(Connected{Metadata: meta}); err != nil {
		c.log.Error("failed to open connection", zap.Error(err))
		c.closeWith(websocket.CloseTryAgainLater, "presence unavailable")
		c.handle(Disconnected{})
		close(c.readerDone)
		return err
	}

	c.log.Info("connection established")
	go c.Write()
	go c.Read()
	return nil
}

// pingEvery is the ping period. Pongs drive presence refreshes, so pings
// are sent at least as often as presence must be refreshed.
func (c *Client) pingEvery() time.Duration {
	return min(pingInterval, c.gw.cfg.PresenceRefresh)
}

func (c *Client) Write() {
	ticker := time.NewTicker(c.pingEvery())
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.Error(err))
				continue
			}
			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.stopClient()
		<-c.writerDone
		c.handle(Disconnected{})
		c.log.Info("connection closed")
		close(c.readerDone)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if time.Since(c.refreshed) >= c.gw.cfg.PresenceRefresh {
			c.handle(PongReceived{})
		}
		return nil
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("invalid client message", zap.Error(err))
			c.handle(InvalidMessage{})
			continue
		}

		if !c.limiter.Allow() {
			c.gw.stats.Incr(stats.MessagesThrottled)
			c.handle(Throttled{ReqId: msg.Id})
			continue
		}

		c.handle(eventFor(&msg))
	}
}

// handle advances the lifecycle and carries out its effects. Only the
// connection's own goroutine calls it.
func (c *Client) handle(ev ConnEvent) error {
	next, effects := Transition(c.state, ev)
	c.state = next
	return c.apply(effects)
}

func (c *Client) apply(effects []Effect) error {
	id := c.conn.Identity
	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()

	for _, eff := range effects {
		switch eff := eff.(type) {
		case MarkOnline:
			if err := c.gw.presence.SetOnline(ctx, id.TenantId, id.UserId, c.conn.SocketId, eff.Metadata); err != nil {
				return err
			}
			c.refreshed = time.Now()
		case RemovePresence:
			offline, err := c.gw.presence.RemoveConnection(ctx, id.TenantId, id.UserId, c.conn.SocketId)
			if err != nil {
				c.log.Error("failed to remove presence", zap.Error(err))
				continue
			}
			if offline {
				c.publish(ctx, []string{rooms.Tenant(id.TenantId).String()},
					events.New(events.UserLeft, id.TenantId, id.UserId, map[string]any{
						"socketId": c.conn.SocketId,
					}))
			}
		case TouchPresence:
			if err := c.gw.presence.Refresh(ctx, id.TenantId, id.UserId, c.conn.SocketId); err != nil {
				c.log.Warn("failed to refresh presence", zap.Error(err))
				continue
			}
			c.refreshed = time.Now()
		case StoreMetadata:
			if err := c.gw.presence.UpdateMetadata(ctx, id.TenantId, id.UserId, eff.Metadata); err != nil {
				c.log.Warn("failed to store metadata", zap.Error(err))
			}
		case JoinRoom:
			if err := c.gw.hub.Join(c, eff.Room); err != nil {
				return err
			}
		case LeaveRoom:
			if err := c.gw.hub.Leave(c, eff.Room); err != nil {
				c.log.Debug("leave after hub stop", zap.String("room", eff.Room))
			}
		case Unregister:
			c.gw.hub.Unregister(c)
		case ReleaseAdmission:
			c.gw.admission.Release(id.UserId, id.TenantId)
		case Reply:
			c.enqueue(eff.Msg)
		case SendOnlineUsers:
			users := c.gw.presence.GetOnlineUsers(ctx, id.TenantId)
			e := events.New(events.PresenceOnline, id.TenantId, id.UserId, map[string]any{
				"users": c.gw.SanitizeRecords(users...),
			})
			msg := EventMessage(c.gw.sanitizer.Event(e))
			msg.Id = eff.ReqId
			c.enqueue(msg)
		case Broadcast:
			c.publish(ctx, eff.Rooms, eff.Event)
		case DenyTenant:
			c.gw.stats.Incr(stats.TenantViolations)
			// the guard logs the security event
			_ = c.gw.guard.ValidateTenantAccess(c.conn, eff.RequiredTenant)
		case DenyRole:
			c.log.Warn("room not permitted for identity",
				zap.String("room", eff.Room),
				zap.String("role", string(id.Role)),
			)
		}
	}
	return nil
}

func (c *Client) publish(ctx context.Context, targets []string, e events.Event) {
	if err := c.gw.Publish(ctx, targets, e); err != nil && !errors.Is(err, ErrHubStopped) {
		c.log.Warn("failed to publish event",
			zap.String("event_type", string(e.EventType)),
			zap.Error(err),
		)
	}
}

// enqueue never blocks. Under pressure LOW events are shed once the buffer
// is half full, NORMAL and HIGH when it is full. A CRITICAL event that does
// not fit closes the connection so the client reconnects and resyncs.
func (c *Client) enqueue(msg *ServerMessage) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	p := msg.Priority()
	if p == events.PriorityLow && len(c.send) >= cap(c.send)/2 {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
	}

	if p == events.PriorityCritical {
		c.log.Warn("send buffer full for critical event, closing connection")
		c.stopClient()
	} else {
		c.log.Debug("send buffer full, dropping message", zap.Stringer("priority", p))
	}
	return false
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.ws.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write failed", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) closeWith(code int, text string) {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
	c.ws.Close()
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
