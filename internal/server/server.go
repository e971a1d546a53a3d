package server

import (
	"context"
	"errors"
	"sort"

	"github.com/npezzotti/go-finance-realtime/internal/events"
	"github.com/npezzotti/go-finance-realtime/internal/stats"
	"go.uber.org/zap"
)

var ErrHubStopped = errors.New("hub stopped")

type roomReq struct {
	client *Client
	room   string
}

type delivery struct {
	rooms []string
	event events.Event
}

type stopReq struct {
	done chan struct{}
}

// Hub owns the process-local membership index: which clients are connected
// and which rooms each of them is in. All of it is touched only by Run.
type Hub struct {
	log            *zap.Logger
	stats          stats.StatsProvider
	clients        map[string]*Client
	rooms          map[string]map[*Client]struct{}
	registerChan   chan *Client
	unregisterChan chan *Client
	joinChan       chan roomReq
	leaveChan      chan roomReq
	broadcastChan  chan delivery
	queryChan      chan func()
	stop           chan stopReq
	done           chan struct{}
}

func NewHub(logger *zap.Logger, su stats.StatsProvider) *Hub {
	su.RegisterMetric(stats.ActiveConnections)
	su.RegisterMetric(stats.ActiveRooms)
	su.RegisterCounter(stats.EventsDelivered)
	su.RegisterCounter(stats.EventsDropped)
	su.RegisterCounter(stats.TenantViolations)
	su.RegisterCounter(stats.MessagesThrottled)

	return &Hub{
		log:            logger.Named("hub"),
		stats:          su,
		clients:        make(map[string]*Client),
		rooms:          make(map[string]map[*Client]struct{}),
		registerChan:   make(chan *Client),
		unregisterChan: make(chan *Client),
		joinChan:       make(chan roomReq),
		leaveChan:      make(chan roomReq),
		broadcastChan:  make(chan delivery, 256),
		queryChan:      make(chan func()),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.registerChan:
			h.addClient(c)
		case c := <-h.unregisterChan:
			h.removeClient(c)
		case req := <-h.joinChan:
			h.join(req.client, req.room)
		case req := <-h.leaveChan:
			h.leave(req.client, req.room)
		case d := <-h.broadcastChan:
			h.deliver(d)
		case f := <-h.queryChan:
			f()
		case req := <-h.stop:
			h.log.Info("shutting down hub", zap.Int("clients", len(h.clients)))
			for _, c := range h.clients {
				c.stopClient()
			}
			for room := range h.rooms {
				h.unloadRoom(room)
			}
			close(h.done)
			close(req.done)
			return
		}
	}
}

func (h *Hub) send(ch chan roomReq, req roomReq) error {
	select {
	case ch <- req:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) Register(c *Client) error {
	select {
	case h.registerChan <- c:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregisterChan <- c:
	case <-h.done:
	}
}

func (h *Hub) Join(c *Client, room string) error {
	return h.send(h.joinChan, roomReq{client: c, room: room})
}

func (h *Hub) Leave(c *Client, room string) error {
	return h.send(h.leaveChan, roomReq{client: c, room: room})
}

// Deliver hands an already validated and sanitized event to every local
// member of rooms.
func (h *Hub) Deliver(ctx context.Context, rooms []string, e events.Event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.broadcastChan <- delivery{rooms: rooms, event: e}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

// Members returns the socket ids in room, sorted.
func (h *Hub) Members(room string) []string {
	var ids []string
	h.query(func() {
		for c := range h.rooms[room] {
			ids = append(ids, c.conn.SocketId)
		}
	})
	sort.Strings(ids)
	return ids
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	var n int
	h.query(func() { n = len(h.clients) })
	return n
}

func (h *Hub) query(f func()) {
	finished := make(chan struct{})
	select {
	case h.queryChan <- func() { f(); close(finished) }:
		<-finished
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	if _, ok := h.clients[c.conn.SocketId]; ok {
		return
	}
	h.clients[c.conn.SocketId] = c
	h.stats.Incr(stats.ActiveConnections)
}

func (h *Hub) removeClient(c *Client) {
	if cur, ok := h.clients[c.conn.SocketId]; !ok || cur != c {
		return
	}
	delete(h.clients, c.conn.SocketId)
	h.stats.Decr(stats.ActiveConnections)

	for room, members := range h.rooms {
		if _, ok := members[c]; ok {
			h.leave(c, room)
		}
	}
}

func (h *Hub) join(c *Client, room string) {
	if _, ok := h.clients[c.conn.SocketId]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
		h.stats.Incr(stats.ActiveRooms)
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		h.unloadRoom(room)
	}
}

func (h *Hub) unloadRoom(room string) {
	if _, ok := h.rooms[room]; ok {
		delete(h.rooms, room)
		h.stats.Decr(stats.ActiveRooms)
	}
}

// deliver sends the event once to each distinct member of the target rooms,
// skipping any recipient whose tenant differs from the event's.
func (h *Hub) deliver(d delivery) {
	seen := make(map[*Client]struct{})
	for _, room := range d.rooms {
		for c := range h.rooms[room] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}

			if c.conn.Identity.TenantId != d.event.TenantId {
				h.stats.Incr(stats.TenantViolations)
				h.log.Warn("withheld event from member of another tenant",
					zap.String("security_event", "tenant_violation"),
					zap.String("room", room),
					zap.String("socket_id", c.conn.SocketId),
					zap.String("tenant_id", c.conn.Identity.TenantId),
					zap.String("event_tenant_id", d.event.TenantId),
				)
				continue
			}

			if c.enqueue(EventMessage(d.event)) {
				h.stats.Incr(stats.EventsDelivered)
			} else {
				h.stats.Incr(stats.EventsDropped)
			}
		}
	}
}

// Shutdown stops the hub and every client attached to it.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Info("received shutdown signal")
	req := stopReq{done: make(chan struct{})}

	select {
	case h.stop <- req:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
