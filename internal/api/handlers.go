package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/npezzotti/go-finance-realtime/internal/events"
	"github.com/npezzotti/go-finance-realtime/internal/rooms"
	"github.com/npezzotti/go-finance-realtime/internal/types"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

type PublishEventResponse struct {
	Id    string   `json:"id"`
	Rooms []string `json:"rooms"`
}

type OnlineCountResponse struct {
	TenantId string `json:"tenantId"`
	Count    int64  `json:"count"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *RealtimeApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *RealtimeApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(errResp))
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// publishEvent ingests a domain mutation from a backend service and fans it
// out to the tenant, entity type and entity rooms.
func (s *RealtimeApp) publishEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	e, err := events.ValidateBaseEvent(raw)
	if err != nil {
		s.log.Info("rejected malformed event", zap.String("tenant_id", id.TenantId), zap.Error(err))
		s.writeError(w, errorFor(err))
		return
	}

	caller := types.Connection{SocketId: "http", Identity: id}
	if err := s.gate.ValidateTenantAccess(caller, e.TenantId); err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	targets := []rooms.Room{rooms.Tenant(e.TenantId)}
	entityType, _ := raw["entityType"].(string)
	entityId, _ := raw["entityId"].(string)
	if entityType != "" && entityId != "" {
		targets = rooms.BroadcastRoomsFor(e.TenantId, entityType, entityId)
	}
	for _, room := range targets {
		if !room.Valid() {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	names := rooms.Names(targets)
	if err := s.gw.Publish(r.Context(), names, e); err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	s.writeJson(w, http.StatusAccepted, PublishEventResponse{Id: e.Id, Rooms: names})
}

func (s *RealtimeApp) onlineUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	s.writeJson(w, http.StatusOK, s.gw.SanitizeRecords(s.presence.GetOnlineUsers(r.Context(), id.TenantId)...))
}

func (s *RealtimeApp) onlineUserCount(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	s.writeJson(w, http.StatusOK, OnlineCountResponse{
		TenantId: id.TenantId,
		Count:    s.presence.GetOnlineUserCount(r.Context(), id.TenantId),
	})
}

func (s *RealtimeApp) userPresence(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	rec := s.presence.GetUserPresence(r.Context(), id.TenantId, chi.URLParam(r, "userID"))
	if rec == nil {
		s.writeError(w, NewNotFoundError())
		return
	}

	s.writeJson(w, http.StatusOK, s.gw.SanitizeRecords(*rec)[0])
}

func (s *RealtimeApp) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	code := http.StatusOK
	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			s.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	s.writeJson(w, code, resp)
}
