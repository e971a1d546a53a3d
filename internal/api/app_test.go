package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-finance-realtime/internal/auth"
	"github.com/npezzotti/go-finance-realtime/internal/config"
	"github.com/npezzotti/go-finance-realtime/internal/database"
	"github.com/npezzotti/go-finance-realtime/internal/events"
	"github.com/npezzotti/go-finance-realtime/internal/presence"
	"github.com/npezzotti/go-finance-realtime/internal/ratelimit"
	"github.com/npezzotti/go-finance-realtime/internal/server"
	"github.com/npezzotti/go-finance-realtime/internal/stats"
	"github.com/npezzotti/go-finance-realtime/internal/testutil"
	"github.com/npezzotti/go-finance-realtime/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://app.example.com"

var signingKey = []byte("test-signing-key")

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type testApp struct {
	app      *RealtimeApp
	server   *httptest.Server
	svc      *auth.Service
	presence *presence.Manager
	su       *stats.StatsUpdater
}

type appOption func(*Deps, *config.Config)

func withIPConfig(cfg ratelimit.IPConfig) appOption {
	return func(d *Deps, _ *config.Config) {
		l, err := ratelimit.NewIPLimiter(cfg)
		if err != nil {
			panic(err)
		}
		d.IPLimiter = l
	}
}

func withChecks(checks map[string]Pinger) appOption {
	return func(d *Deps, _ *config.Config) {
		d.Checks = checks
	}
}

func newTestApp(t *testing.T, opts ...appOption) *testApp {
	t.Helper()
	logger := testutil.TestLogger(t)

	repo := &database.MockIdentityRepository{}
	for _, u := range []types.User{
		{Id: "U1", TenantId: "T1", Email: "u1@example.com", Role: types.RoleMember, Active: true, TenantActive: true},
		{Id: "U2", TenantId: "T1", Email: "u2@example.com", Role: types.RoleAdmin, Active: true, TenantActive: true},
		{Id: "U3", TenantId: "T2", Email: "u3@example.com", Role: types.RoleMember, Active: true, TenantActive: true},
	} {
		repo.On("GetUser", mock.Anything, u.Id, u.TenantId).Return(u, nil).Maybe()
	}
	repo.On("GetUser", mock.Anything, mock.Anything, mock.Anything).Return(types.User{}, database.ErrNotFound).Maybe()
	svc := auth.NewService(signingKey, repo)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	mgr := presence.NewManager(presence.NewRedisStore(client), logger)

	su := stats.NewStatsUpdater()
	hub := server.NewHub(logger, su)
	go hub.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})

	cfg := &config.Config{ServerAddr: "127.0.0.1:0", AllowedOrigins: []string{testOrigin}}
	gate := auth.NewGate(svc, cfg.AllowedOrigins, logger)
	ipl, err := ratelimit.NewIPLimiter(ratelimit.DefaultIPConfig())
	require.NoError(t, err)
	idl, err := ratelimit.NewIdentityLimiter(ratelimit.IdentityConfig{MaxConnections: 5, Window: time.Minute})
	require.NoError(t, err)

	deps := Deps{
		Gate:            gate,
		IPLimiter:       ipl,
		IdentityLimiter: idl,
		Presence:        mgr,
		Stats:           su,
		Metrics:         su.Handler(),
		Checks:          map[string]Pinger{"redis": mgr},
	}
	for _, opt := range opts {
		opt(&deps, cfg)
	}
	deps.Gateway = server.NewGateway(hub, mgr, gate, deps.IdentityLimiter, server.NewLocalBroadcaster(hub), su, logger)

	app := NewRealtimeApp(logger, deps, cfg)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	return &testApp{app: app, server: srv, svc: svc, presence: mgr, su: su}
}

func (ta *testApp) token(t *testing.T, userId, tenantId string) string {
	t.Helper()
	tok, err := ta.svc.IssueToken(types.Identity{UserId: userId, TenantId: tenantId}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ta *testApp) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ta.server.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if ws != nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func (ta *testApp) connect(t *testing.T, userId, tenantId string) *websocket.Conn {
	t.Helper()
	ws, _, err := ta.dial(t, http.Header{
		"Origin":        {testOrigin},
		"Authorization": {"Bearer " + ta.token(t, userId, tenantId)},
	})
	require.NoError(t, err)
	readEvent(t, ws, events.UserJoined)
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn, et events.EventType) *server.ServerMessage {
	t.Helper()
	for i := 0; i < 10; i++ {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg server.ServerMessage
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Event != nil && msg.Event.EventType == et {
			return &msg
		}
	}
	t.Fatalf("no %s event received", et)
	return nil
}

// join requests a room and returns the response code.
func join(t *testing.T, ws *websocket.Conn, id int, room string) int {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"id": id, "join": map[string]any{"room": room}}))
	for i := 0; i < 10; i++ {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg server.ServerMessage
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Response != nil && msg.Id == id {
			return msg.Response.ResponseCode
		}
	}
	t.Fatalf("no response to join %d", id)
	return 0
}

func (ta *testApp) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ta.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServeWs_Admitted(t *testing.T) {
	ta := newTestApp(t)
	ws := ta.connect(t, "U1", "T1")

	assert.Equal(t, http.StatusOK, join(t, ws, 1, "entity:T1:account:A1"))
	assert.Equal(t, http.StatusForbidden, join(t, ws, 2, "entity:T2:account:A1"))

	rec := ta.presence.GetUserPresence(context.Background(), "T1", "U1")
	require.NotNil(t, rec)
	assert.Len(t, rec.SocketIds, 1)
	assert.NotContains(t, rec.Metadata, "ip", "expected the client address to stay out of shared presence")
}

func TestServeWs_Rejected(t *testing.T) {
	tcases := []struct {
		name   string
		header func(ta *testApp) http.Header
		code   int
	}{
		{
			name:   "no token",
			header: func(ta *testApp) http.Header { return http.Header{"Origin": {testOrigin}} },
			code:   http.StatusUnauthorized,
		},
		{
			name: "garbage token",
			header: func(ta *testApp) http.Header {
				return http.Header{"Origin": {testOrigin}, "Authorization": {"Bearer nope"}}
			},
			code: http.StatusUnauthorized,
		},
		{
			name: "unknown user",
			header: func(ta *testApp) http.Header {
				return http.Header{"Origin": {testOrigin}, "Authorization": {"Bearer " + ta.token(t, "U9", "T1")}}
			},
			code: http.StatusUnauthorized,
		},
		{
			name: "foreign origin",
			header: func(ta *testApp) http.Header {
				return http.Header{"Origin": {"https://evil.example.com"}, "Authorization": {"Bearer " + ta.token(t, "U1", "T1")}}
			},
			code: http.StatusForbidden,
		},
		{
			name: "missing origin",
			header: func(ta *testApp) http.Header {
				return http.Header{"Authorization": {"Bearer " + ta.token(t, "U1", "T1")}}
			},
			code: http.StatusForbidden,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ta := newTestApp(t)
			ws, resp, err := ta.dial(t, tc.header(ta))
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			assert.Nil(t, ws)
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestServeWs_TokenFromQueryAndCookie(t *testing.T) {
	ta := newTestApp(t)
	base := "ws" + strings.TrimPrefix(ta.server.URL, "http") + "/ws"

	ws, _, err := websocket.DefaultDialer.Dial(base+"?token="+ta.token(t, "U1", "T1"), http.Header{"Origin": {testOrigin}})
	require.NoError(t, err)
	defer ws.Close()
	readEvent(t, ws, events.UserJoined)

	ws2, _, err := websocket.DefaultDialer.Dial(base, http.Header{
		"Origin": {testOrigin},
		"Cookie": {auth.TokenCookieKey + "=" + ta.token(t, "U2", "T1")},
	})
	require.NoError(t, err)
	defer ws2.Close()
	readEvent(t, ws2, events.UserJoined)
}

func TestServeWs_IPLimited(t *testing.T) {
	ta := newTestApp(t, withIPConfig(ratelimit.IPConfig{MaxRequests: 1, Window: time.Minute, BlockDuration: time.Minute}))
	header := http.Header{"Origin": {testOrigin}, "Authorization": {"Bearer " + ta.token(t, "U1", "T1")}}

	_, _, err := ta.dial(t, header)
	require.NoError(t, err)

	_, resp, err := ta.dial(t, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServeWs_IdentityLimited(t *testing.T) {
	ta := newTestApp(t, func(d *Deps, _ *config.Config) {
		l, err := ratelimit.NewIdentityLimiter(ratelimit.IdentityConfig{MaxConnections: 1, Window: time.Minute})
		require.NoError(t, err)
		d.IdentityLimiter = l
	})

	ta.connect(t, "U1", "T1")
	_, resp, err := ta.dial(t, http.Header{"Origin": {testOrigin}, "Authorization": {"Bearer " + ta.token(t, "U1", "T1")}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	ta.connect(t, "U2", "T1")
}

func TestPublishEvent(t *testing.T) {
	ta := newTestApp(t)
	ws := ta.connect(t, "U1", "T1")
	require.Equal(t, http.StatusOK, join(t, ws, 1, "entity:T1:transaction:E1"))

	now := time.Now().UTC().Format(time.RFC3339)
	body := map[string]any{
		"eventType":  "transaction:created",
		"tenantId":   "T1",
		"userId":     "U2",
		"timestamp":  now,
		"entityType": "transaction",
		"entityId":   "E1",
		"payload":    map[string]any{"amount": 10, "token": "secret", "nested": map[string]any{"password": "x", "ok": 1}},
	}

	resp := ta.do(t, http.MethodPost, "/api/events", ta.token(t, "U2", "T1"), body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decode[PublishEventResponse](t, resp)
	assert.NotEmpty(t, out.Id)
	assert.Equal(t, []string{"tenant:T1", "type:T1:transaction", "entity:T1:transaction:E1"}, out.Rooms)

	got := readEvent(t, ws, events.TransactionCreated)
	assert.Equal(t, out.Id, got.Event.Id)
	assert.Equal(t, map[string]any{"amount": float64(10), "nested": map[string]any{"ok": float64(1)}}, got.Event.Payload)
}

func TestPublishEvent_Rejected(t *testing.T) {
	ta := newTestApp(t)
	now := time.Now().UTC().Format(time.RFC3339)
	valid := func(mut func(map[string]any)) map[string]any {
		b := map[string]any{"eventType": "account:updated", "tenantId": "T1", "userId": "U1", "timestamp": now}
		mut(b)
		return b
	}

	tcases := []struct {
		name  string
		token string
		body  any
		code  int
	}{
		{name: "no token", body: valid(func(map[string]any) {}), code: http.StatusUnauthorized},
		{name: "other tenant", token: ta.token(t, "U3", "T2"), body: valid(func(map[string]any) {}), code: http.StatusForbidden},
		{name: "unknown type", token: ta.token(t, "U1", "T1"), body: valid(func(b map[string]any) { b["eventType"] = "account:exploded" }), code: http.StatusBadRequest},
		{name: "bad timestamp", token: ta.token(t, "U1", "T1"), body: valid(func(b map[string]any) { b["timestamp"] = "yesterday" }), code: http.StatusBadRequest},
		{name: "bad entity", token: ta.token(t, "U1", "T1"), body: valid(func(b map[string]any) { b["entityType"] = "a:b"; b["entityId"] = "E1" }), code: http.StatusBadRequest},
		{name: "not json", token: ta.token(t, "U1", "T1"), body: "[", code: http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ta.do(t, http.MethodPost, "/api/events", tc.token, tc.body)
			assert.Equal(t, tc.code, resp.StatusCode)
			errResp := decode[ApiError](t, resp)
			assert.Equal(t, tc.code, errResp.StatusCode)
		})
	}
}

func TestPresenceEndpoints(t *testing.T) {
	ta := newTestApp(t)
	ta.connect(t, "U1", "T1")
	ta.connect(t, "U3", "T2")
	token := ta.token(t, "U2", "T1")

	resp := ta.do(t, http.MethodGet, "/api/presence", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store, no-cache, must-revalidate, private", resp.Header.Get("Cache-Control"))
	users := decode[[]presence.Record](t, resp)
	require.Len(t, users, 1, "expected only the caller's tenant")
	assert.Equal(t, "U1", users[0].UserId)

	resp = ta.do(t, http.MethodGet, "/api/presence/count", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, OnlineCountResponse{TenantId: "T1", Count: 1}, decode[OnlineCountResponse](t, resp))

	resp = ta.do(t, http.MethodGet, "/api/presence/users/U1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "T1", decode[presence.Record](t, resp).TenantId)

	resp = ta.do(t, http.MethodGet, "/api/presence/users/U3", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "expected other tenants' users to be invisible")

	resp = ta.do(t, http.MethodGet, "/api/presence", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPresenceEndpoints_Sanitized(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, ta.presence.SetOnline(ctx, "T1", "U1", "X", map[string]any{
		"apiKey": "k-123",
		"status": "away",
		"nested": map[string]any{"sessionToken": "t", "page": "/cards"},
	}))
	token := ta.token(t, "U2", "T1")
	clean := map[string]any{"status": "away", "nested": map[string]any{"page": "/cards"}}

	resp := ta.do(t, http.MethodGet, "/api/presence", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := decode[[]presence.Record](t, resp)
	require.Len(t, users, 1)
	assert.Equal(t, clean, users[0].Metadata)

	resp = ta.do(t, http.MethodGet, "/api/presence/users/U1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, clean, decode[presence.Record](t, resp).Metadata)
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ta := newTestApp(t, withChecks(map[string]Pinger{"redis": stubPinger{}, "postgres": stubPinger{}}))
		resp := ta.do(t, http.MethodGet, "/healthz", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, HealthResponse{Status: "ok", Checks: map[string]string{"redis": "ok", "postgres": "ok"}}, decode[HealthResponse](t, resp))
	})

	t.Run("degraded", func(t *testing.T) {
		ta := newTestApp(t, withChecks(map[string]Pinger{"redis": stubPinger{}, "postgres": stubPinger{err: errors.New("connection refused")}}))
		resp := ta.do(t, http.MethodGet, "/healthz", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		out := decode[HealthResponse](t, resp)
		assert.Equal(t, "unavailable", out.Status)
		assert.Equal(t, "connection refused", out.Checks["postgres"])
	})
}

func TestMetrics(t *testing.T) {
	ta := newTestApp(t)
	ta.connect(t, "U1", "T1")

	resp := ta.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), fmt.Sprintf("rtgateway_%s 1", stats.ActiveConnections))
}
