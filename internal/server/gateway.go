// Package server is the realtime core: a hub holding the local room
// membership index, one client per socket, and the broadcaster that fans
// events out across processes.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-finance-realtime/internal/events"
	"github.com/npezzotti/go-finance-realtime/internal/presence"
	"github.com/npezzotti/go-finance-realtime/internal/rooms"
	"github.com/npezzotti/go-finance-realtime/internal/stats"
	"github.com/npezzotti/go-finance-realtime/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultMessageRate  = 10
	DefaultMessageBurst = 20
	DefaultSendBuffer   = 256

	// DefaultPresenceRefresh keeps a live socket's presence well inside the
	// default record TTL.
	DefaultPresenceRefresh = presence.DefaultTTL / 2
)

type PresenceTracker interface {
	SetOnline(ctx context.Context, tenantId, userId, socketId string, meta map[string]any) error
	RemoveConnection(ctx context.Context, tenantId, userId, socketId string) (bool, error)
	Refresh(ctx context.Context, tenantId, userId, socketId string) error
	UpdateMetadata(ctx context.Context, tenantId, userId string, meta map[string]any) error
	GetOnlineUsers(ctx context.Context, tenantId string) []presence.Record
}

type TenantGuard interface {
	ValidateTenantAccess(conn types.Connection, requiredTenantId string) error
}

type AdmissionReleaser interface {
	Release(userId, tenantId string)
}

type GatewayConfig struct {
	MessageRate  rate.Limit
	MessageBurst int
	SendBuffer   int
	// PresenceRefresh is how often an open socket refreshes its presence
	// record. It must be shorter than the presence TTL.
	PresenceRefresh time.Duration
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MessageRate:     DefaultMessageRate,
		MessageBurst:    DefaultMessageBurst,
		SendBuffer:      DefaultSendBuffer,
		PresenceRefresh: DefaultPresenceRefresh,
	}
}

// Gateway ties admitted sockets to the hub and is the single entry point for
// publishing events, whether they come from a client or from the HTTP API.
type Gateway struct {
	hub         *Hub
	presence    PresenceTracker
	guard       TenantGuard
	admission   AdmissionReleaser
	broadcaster Broadcaster
	sanitizer   *events.Sanitizer
	stats       stats.StatsProvider
	log         *zap.Logger
	cfg         GatewayConfig

	mu       sync.Mutex
	draining bool
	live     sync.WaitGroup
}

type GatewayOption func(*Gateway)

func WithSanitizer(s *events.Sanitizer) GatewayOption {
	return func(g *Gateway) {
		g.sanitizer = s
	}
}

func WithConfig(cfg GatewayConfig) GatewayOption {
	return func(g *Gateway) {
		g.cfg = cfg
	}
}

func NewGateway(
	hub *Hub,
	pt PresenceTracker,
	guard TenantGuard,
	admission AdmissionReleaser,
	b Broadcaster,
	su stats.StatsProvider,
	logger *zap.Logger,
	opts ...GatewayOption,
) *Gateway {
	su.RegisterCounter(stats.EventsPublished)
	su.RegisterCounter(stats.EventsRejected)
	su.RegisterCounter(stats.TenantViolations)
	su.RegisterCounter(stats.MessagesThrottled)

	g := &Gateway{
		hub:         hub,
		presence:    pt,
		guard:       guard,
		admission:   admission,
		broadcaster: b,
		sanitizer:   events.NewSanitizer(),
		stats:       su,
		log:         logger.Named("gateway"),
		cfg:         DefaultGatewayConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cfg.SendBuffer <= 0 {
		g.cfg.SendBuffer = DefaultSendBuffer
	}
	if g.cfg.PresenceRefresh <= 0 {
		g.cfg.PresenceRefresh = DefaultPresenceRefresh
	}
	return g
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Attach takes ownership of an upgraded socket. It returns once the
// connection is marked online and has joined its default rooms; on error the
// socket has already been closed and the admission slot released.
func (g *Gateway) Attach(ws *websocket.Conn, conn types.Connection, meta map[string]any) (*Client, error) {
	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		ws.Close()
		g.admission.Release(conn.Identity.UserId, conn.Identity.TenantId)
		return nil, ErrHubStopped
	}
	g.live.Add(1)
	g.mu.Unlock()

	c := NewClient(ws, conn, g)
	go func() {
		<-c.Done()
		g.live.Done()
	}()

	if err := c.Start(meta); err != nil {
		return nil, err
	}
	return c, nil
}

// Shutdown stops the hub, then waits for every attached connection to finish
// its disconnect so presence is cleared before the store goes away.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()

	if err := g.hub.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		g.live.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections to close: %w", ctx.Err())
	}
}

// SanitizeRecords returns copies of recs with their metadata scrubbed the
// same way as outbound event payloads.
func (g *Gateway) SanitizeRecords(recs ...presence.Record) []presence.Record {
	out := make([]presence.Record, len(recs))
	for i, rec := range recs {
		rec.Metadata = g.sanitizer.Sanitize(rec.Metadata)
		out[i] = rec
	}
	return out
}

// Publish validates, scopes and sanitizes e, then hands it to the
// broadcaster. Every target room must belong to the event's tenant; an empty
// target list means the tenant room.
func (g *Gateway) Publish(ctx context.Context, targets []string, e events.Event) error {
	if err := e.Validate(); err != nil {
		g.stats.Incr(stats.EventsRejected)
		return err
	}

	if len(targets) == 0 {
		targets = []string{rooms.Tenant(e.TenantId).String()}
	}
	for _, r := range targets {
		if !rooms.ValidateAccess(r, e.TenantId) {
			g.stats.Incr(stats.TenantViolations)
			g.log.Warn("refused to publish outside the event's tenant",
				zap.String("security_event", "tenant_violation"),
				zap.String("room", r),
				zap.String("tenant_id", e.TenantId),
				zap.String("event_type", string(e.EventType)),
			)
			return fmt.Errorf("%w: room %q", types.ErrTenantViolation, r)
		}
	}

	e = g.sanitizer.Event(e)
	if err := g.broadcaster.Publish(ctx, targets, e); err != nil {
		return err
	}
	g.stats.Incr(stats.EventsPublished)
	return nil
}
