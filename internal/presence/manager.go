// Package presence keeps the authoritative online/offline directory for every
// tenant. State lives in a shared Store so all gateway processes see the same
// picture; each record self-expires unless it is refreshed.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/npezzotti/go-finance-realtime/internal/types"
	"go.uber.org/zap"
)

const DefaultTTL = 5 * time.Minute

// Record is the presence of one user within one tenant.
type Record struct {
	UserId      string         `json:"userId"`
	TenantId    string         `json:"tenantId"`
	SocketIds   []string       `json:"socketIds"`
	ConnectedAt time.Time      `json:"connectedAt"`
	LastSeen    time.Time      `json:"lastSeen"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SocketEntry is the reverse index from a socket to its owner.
type SocketEntry struct {
	TenantId string `json:"tenantId"`
	UserId   string `json:"userId"`
}

// SweepResult summarizes one CleanupStaleConnections pass.
type SweepResult struct {
	// ForcedOffline counts users whose lastSeen was older than maxAge.
	ForcedOffline int
	// Pruned counts tenant-set members whose record had already expired.
	Pruned int
}

type Manager struct {
	store  Store
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		ttl:    DefaultTTL,
		logger: logger.Named("presence"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) presenceKey(tenantId, userId string) string {
	return m.prefix + "presence:" + tenantId + ":" + userId
}

func (m *Manager) socketKey(socketId string) string {
	return m.prefix + "socket:" + socketId
}

func (m *Manager) onlineKey(tenantId string) string {
	return m.prefix + "online:" + tenantId
}

func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Round(time.Millisecond)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, types.ErrStoreUnavailable, err)
}

// load returns the record for the user, or nil when there is none. A record
// that cannot be decoded is reported as absent.
func (m *Manager) load(ctx context.Context, tenantId, userId string) (*Record, error) {
	raw, err := m.store.Get(ctx, m.presenceKey(tenantId, userId))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		m.logger.Warn("discarding corrupt presence record",
			zap.String("tenant_id", tenantId),
			zap.String("user_id", userId),
			zap.Error(err),
		)
		return nil, nil
	}
	return &rec, nil
}

func (m *Manager) save(ctx context.Context, rec *Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.store.SetEX(ctx, m.presenceKey(rec.TenantId, rec.UserId), string(b), m.ttl)
}

// SetOnline records socketId as a live connection of the user. Calling it
// again with the same socket only refreshes lastSeen and the TTLs.
func (m *Manager) SetOnline(ctx context.Context, tenantId, userId, socketId string, meta map[string]any) error {
	rec, err := m.load(ctx, tenantId, userId)
	if err != nil {
		return storeErr("set online", err)
	}

	now := m.timestamp()
	if rec == nil {
		rec = &Record{
			UserId:      userId,
			TenantId:    tenantId,
			ConnectedAt: now,
		}
	}
	if !slices.Contains(rec.SocketIds, socketId) {
		rec.SocketIds = append(rec.SocketIds, socketId)
	}
	rec.LastSeen = now
	rec.Metadata = mergeMetadata(rec.Metadata, meta)

	if err := m.save(ctx, rec); err != nil {
		return storeErr("set online", err)
	}

	entry, _ := json.Marshal(SocketEntry{TenantId: tenantId, UserId: userId})
	if err := m.store.SetEX(ctx, m.socketKey(socketId), string(entry), m.ttl); err != nil {
		return storeErr("set online", err)
	}

	if err := m.store.SAdd(ctx, m.onlineKey(tenantId), userId); err != nil {
		return storeErr("set online", err)
	}
	if err := m.store.Expire(ctx, m.onlineKey(tenantId), m.ttl); err != nil {
		return storeErr("set online", err)
	}

	return nil
}

// RemoveConnection drops one socket of the user. It reports whether the user
// is now offline, in which case every trace of them has been removed.
func (m *Manager) RemoveConnection(ctx context.Context, tenantId, userId, socketId string) (bool, error) {
	rec, err := m.load(ctx, tenantId, userId)
	if err != nil {
		return false, storeErr("remove connection", err)
	}

	if err := m.store.Del(ctx, m.socketKey(socketId)); err != nil {
		return false, storeErr("remove connection", err)
	}

	if rec == nil {
		if err := m.store.SRem(ctx, m.onlineKey(tenantId), userId); err != nil {
			return false, storeErr("remove connection", err)
		}
		return true, nil
	}

	rec.SocketIds = slices.DeleteFunc(rec.SocketIds, func(id string) bool {
		return id == socketId
	})

	if len(rec.SocketIds) == 0 {
		if err := m.clear(ctx, rec); err != nil {
			return false, storeErr("remove connection", err)
		}
		return true, nil
	}

	rec.LastSeen = m.timestamp()
	if err := m.save(ctx, rec); err != nil {
		return false, storeErr("remove connection", err)
	}
	return false, nil
}

// SetOffline forces the user offline regardless of how many sockets remain.
func (m *Manager) SetOffline(ctx context.Context, tenantId, userId string) error {
	rec, err := m.load(ctx, tenantId, userId)
	if err != nil {
		return storeErr("set offline", err)
	}
	if rec == nil {
		rec = &Record{TenantId: tenantId, UserId: userId}
	}
	if err := m.clear(ctx, rec); err != nil {
		return storeErr("set offline", err)
	}
	return nil
}

func (m *Manager) clear(ctx context.Context, rec *Record) error {
	keys := make([]string, 0, len(rec.SocketIds)+1)
	keys = append(keys, m.presenceKey(rec.TenantId, rec.UserId))
	for _, id := range rec.SocketIds {
		keys = append(keys, m.socketKey(id))
	}
	if err := m.store.Del(ctx, keys...); err != nil {
		return err
	}
	return m.store.SRem(ctx, m.onlineKey(rec.TenantId), rec.UserId)
}

// UpdateLastSeen refreshes lastSeen and every TTL belonging to the user. It
// does nothing for a user who is not online.
func (m *Manager) UpdateLastSeen(ctx context.Context, tenantId, userId string) error {
	rec, err := m.load(ctx, tenantId, userId)
	if err != nil {
		return storeErr("update last seen", err)
	}
	if rec == nil {
		return nil
	}

	rec.LastSeen = m.timestamp()
	if err := m.save(ctx, rec); err != nil {
		return storeErr("update last seen", err)
	}
	for _, id := range rec.SocketIds {
		if err := m.store.Expire(ctx, m.socketKey(id), m.ttl); err != nil {
			return storeErr("update last seen", err)
		}
	}
	if err := m.store.Expire(ctx, m.onlineKey(tenantId), m.ttl); err != nil {
		return storeErr("update last seen", err)
	}
	return nil
}

// Refresh keeps socketId's presence alive. A record that expired while the
// socket was still open is recreated for it.
func (m *Manager) Refresh(ctx context.Context, tenantId, userId, socketId string) error {
	rec, err := m.load(ctx, tenantId, userId)
	if err != nil {
		return storeErr("refresh", err)
	}
	if rec == nil || !slices.Contains(rec.SocketIds, socketId) {
		return m.SetOnline(ctx, tenantId, userId, socketId, nil)
	}
	return m.UpdateLastSeen(ctx, tenantId, userId)
}

// UpdateMetadata merges meta into the user's record. It does nothing for a
// user who is not online.
func (m *Manager) UpdateMetadata(ctx context.Context, tenantId, userId string, meta map[string]any) error {
	rec, err := m.load(ctx, tenantId, userId)
	if err != nil {
		return storeErr("update metadata", err)
	}
	if rec == nil {
		return nil
	}

	rec.Metadata = mergeMetadata(rec.Metadata, meta)
	rec.LastSeen = m.timestamp()
	if err := m.save(ctx, rec); err != nil {
		return storeErr("update metadata", err)
	}
	return nil
}

// GetOnlineUsers returns the tenant's presence records, most recently seen
// first. Store errors yield an empty list and undecodable records are skipped.
func (m *Manager) GetOnlineUsers(ctx context.Context, tenantId string) []Record {
	members, err := m.store.SMembers(ctx, m.onlineKey(tenantId))
	if err != nil {
		m.logger.Error("failed to list online users", zap.String("tenant_id", tenantId), zap.Error(err))
		return []Record{}
	}

	users := make([]Record, 0, len(members))
	for _, userId := range members {
		rec, err := m.load(ctx, tenantId, userId)
		if err != nil {
			m.logger.Warn("skipping unreadable presence record",
				zap.String("tenant_id", tenantId),
				zap.String("user_id", userId),
				zap.Error(err),
			)
			continue
		}
		if rec == nil || len(rec.SocketIds) == 0 {
			continue
		}
		users = append(users, *rec)
	}

	sort.SliceStable(users, func(i, j int) bool {
		return users[i].LastSeen.After(users[j].LastSeen)
	})
	return users
}

func (m *Manager) IsUserOnline(ctx context.Context, tenantId, userId string) bool {
	return m.GetUserPresence(ctx, tenantId, userId) != nil
}

// GetUserPresence returns the user's record, or nil if they are offline or
// the store cannot be read.
func (m *Manager) GetUserPresence(ctx context.Context, tenantId, userId string) *Record {
	rec, err := m.load(ctx, tenantId, userId)
	if err != nil {
		m.logger.Error("failed to read presence",
			zap.String("tenant_id", tenantId),
			zap.String("user_id", userId),
			zap.Error(err),
		)
		return nil
	}
	if rec == nil || len(rec.SocketIds) == 0 {
		return nil
	}
	return rec
}

func (m *Manager) GetOnlineUserCount(ctx context.Context, tenantId string) int64 {
	n, err := m.store.SCard(ctx, m.onlineKey(tenantId))
	if err != nil {
		m.logger.Error("failed to count online users", zap.String("tenant_id", tenantId), zap.Error(err))
		return 0
	}
	return n
}

// GetAllActiveTenants lists tenants with at least one online user, sorted.
func (m *Manager) GetAllActiveTenants(ctx context.Context) []string {
	prefix := m.onlineKey("")
	keys, err := m.store.Keys(ctx, prefix)
	if err != nil {
		m.logger.Error("failed to list active tenants", zap.Error(err))
		return []string{}
	}

	tenants := make([]string, 0, len(keys))
	for _, k := range keys {
		tenantId := strings.TrimPrefix(k, prefix)
		if tenantId == "" {
			continue
		}
		n, err := m.store.SCard(ctx, k)
		if err != nil || n == 0 {
			continue
		}
		tenants = append(tenants, tenantId)
	}
	sort.Strings(tenants)
	return tenants
}

// CleanupStaleConnections forces offline every user whose lastSeen is older
// than maxAge, then prunes tenant-set members whose record no longer exists.
func (m *Manager) CleanupStaleConnections(ctx context.Context, maxAge time.Duration) (SweepResult, error) {
	var res SweepResult

	keys, err := m.store.Keys(ctx, m.prefix+"presence:")
	if err != nil {
		return res, storeErr("cleanup stale connections", err)
	}

	cutoff := m.timestamp().Add(-maxAge)
	for _, k := range keys {
		raw, err := m.store.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return res, storeErr("cleanup stale connections", err)
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			m.logger.Warn("skipping corrupt presence record", zap.String("key", k), zap.Error(err))
			continue
		}
		if !rec.LastSeen.Before(cutoff) {
			continue
		}

		if err := m.clear(ctx, &rec); err != nil {
			return res, storeErr("cleanup stale connections", err)
		}
		res.ForcedOffline++
		m.logger.Info("forced stale user offline",
			zap.String("tenant_id", rec.TenantId),
			zap.String("user_id", rec.UserId),
			zap.Time("last_seen", rec.LastSeen),
		)
	}

	for _, tenantId := range m.GetAllActiveTenants(ctx) {
		members, err := m.store.SMembers(ctx, m.onlineKey(tenantId))
		if err != nil {
			return res, storeErr("cleanup stale connections", err)
		}
		for _, userId := range members {
			_, err := m.store.Get(ctx, m.presenceKey(tenantId, userId))
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrNotFound) {
				return res, storeErr("cleanup stale connections", err)
			}
			if err := m.store.SRem(ctx, m.onlineKey(tenantId), userId); err != nil {
				return res, storeErr("cleanup stale connections", err)
			}
			res.Pruned++
		}
	}

	return res, nil
}

// Ping reports whether the backing store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.store.Ping(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
