package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-finance-realtime/internal/auth"
	"github.com/npezzotti/go-finance-realtime/internal/ratelimit"
	"github.com/npezzotti/go-finance-realtime/internal/stats"
	"github.com/npezzotti/go-finance-realtime/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

// serveWs runs the admission pipeline: IP limiter, origin, token, identity
// limiter, then upgrade. Nothing is attached to the socket until every gate
// has passed.
func (s *RealtimeApp) serveWs(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if !s.ipl.CanConnect(ip) {
		s.stats.Incr(stats.AdmissionDenied)
		s.log.Warn("connection refused by ip limiter", zap.String("ip", ip))
		s.writeError(w, NewTooManyRequestsError())
		return
	}

	hs := auth.HandshakeFromRequest(r)
	if err := s.gate.ValidateOrigin(hs); err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	id, err := s.gate.Authenticate(r.Context(), hs)
	if err != nil {
		s.stats.Incr(stats.AuthFailed)
		s.writeError(w, errorFor(err))
		return
	}

	if !s.idl.CanConnect(id.UserId, id.TenantId) {
		s.stats.Incr(stats.AdmissionDenied)
		s.log.Warn("connection refused by identity limiter",
			zap.String("user_id", id.UserId),
			zap.String("tenant_id", id.TenantId),
		)
		s.writeError(w, NewTooManyRequestsError())
		return
	}

	upgrader := websocket.Upgrader{
		// origin was checked against the allowlist above
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.idl.Release(id.UserId, id.TenantId)
		s.log.Warn("error upgrading connection", zap.Error(err))
		return
	}

	sid, err := shortid.Generate()
	if err != nil {
		s.idl.Release(id.UserId, id.TenantId)
		s.log.Error("failed to generate socket id", zap.Error(err))
		conn.Close()
		return
	}

	// presence metadata is visible to the whole tenant, so the client
	// address stays out of it
	meta := map[string]any{"userAgent": r.UserAgent()}
	if device := r.URL.Query().Get("device"); device != "" {
		meta["device"] = device
	}

	_, err = s.gw.Attach(conn, types.Connection{
		SocketId:    sid,
		Identity:    id,
		ConnectedAt: time.Now().UTC(),
	}, meta)
	if err != nil {
		s.log.Warn("failed to attach connection", zap.String("socket_id", sid), zap.Error(err))
	}
}
