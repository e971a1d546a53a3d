package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/npezzotti/go-finance-realtime/internal/testutil"
	"github.com/npezzotti/go-finance-realtime/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &testClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithKeyPrefix("rt:"), WithClock(clock.Now)}, opts...)
	return NewManager(NewRedisStore(client), testutil.TestLogger(t), opts...), mr, clock
}

func TestSetOnline(t *testing.T) {
	m, mr, clock := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "A", map[string]any{"device": "web"}))

	rec := m.GetUserPresence(ctx, "T1", "U1")
	require.NotNil(t, rec)
	assert.Equal(t, []string{"A"}, rec.SocketIds)
	assert.Equal(t, clock.Now(), rec.ConnectedAt)
	assert.Equal(t, clock.Now(), rec.LastSeen)
	assert.Equal(t, "web", rec.Metadata["device"])

	assert.True(t, mr.Exists("rt:socket:A"), "expected reverse index entry")
	isMember, err := mr.SIsMember("rt:online:T1", "U1")
	require.NoError(t, err)
	assert.True(t, isMember, "expected user in tenant online set")

	for _, key := range []string{"rt:presence:T1:U1", "rt:socket:A", "rt:online:T1"} {
		assert.Equal(t, DefaultTTL, mr.TTL(key), "expected TTL on %s", key)
	}
}

func TestSetOnline_Idempotent(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "A", nil))
	connectedAt := clock.Now()
	clock.Advance(30 * time.Second)
	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "A", nil))

	rec := m.GetUserPresence(ctx, "T1", "U1")
	require.NotNil(t, rec)
	assert.Equal(t, []string{"A"}, rec.SocketIds, "expected socket not to be duplicated")
	assert.Equal(t, connectedAt, rec.ConnectedAt)
	assert.Equal(t, clock.Now(), rec.LastSeen)
}

func TestTwoSocketScenario(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "T", "U", "A", nil))
	require.NoError(t, m.SetOnline(ctx, "T", "U", "B", nil))
	assert.Equal(t, int64(1), m.GetOnlineUserCount(ctx, "T"))

	offline, err := m.RemoveConnection(ctx, "T", "U", "A")
	require.NoError(t, err)
	assert.False(t, offline)
	assert.True(t, m.IsUserOnline(ctx, "T", "U"), "expected user to stay online via B")
	assert.False(t, mr.Exists("rt:socket:A"))
	assert.True(t, mr.Exists("rt:socket:B"))

	offline, err = m.RemoveConnection(ctx, "T", "U", "B")
	require.NoError(t, err)
	assert.True(t, offline)
	assert.False(t, m.IsUserOnline(ctx, "T", "U"))
	assert.Equal(t, int64(0), m.GetOnlineUserCount(ctx, "T"))
	assert.Empty(t, m.GetOnlineUsers(ctx, "T"))
	assert.False(t, mr.Exists("rt:presence:T:U"))
	assert.False(t, mr.Exists("rt:socket:B"))
}

func TestRemoveConnection_UnknownUser(t *testing.T) {
	m, _, _ := newTestManager(t)

	offline, err := m.RemoveConnection(context.Background(), "T1", "ghost", "X")
	require.NoError(t, err)
	assert.True(t, offline)
}

func TestSetOffline(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "A", nil))
	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "B", nil))
	require.NoError(t, m.SetOnline(ctx, "T1", "U2", "C", nil))

	require.NoError(t, m.SetOffline(ctx, "T1", "U1"))

	assert.False(t, m.IsUserOnline(ctx, "T1", "U1"))
	assert.False(t, mr.Exists("rt:socket:A"))
	assert.False(t, mr.Exists("rt:socket:B"))
	assert.True(t, m.IsUserOnline(ctx, "T1", "U2"))
	assert.Equal(t, int64(1), m.GetOnlineUserCount(ctx, "T1"))

	require.NoError(t, m.SetOffline(ctx, "T1", "nobody"), "expected forcing an absent user offline to succeed")
}

func TestOnlineIffSocketsRemain(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	type op struct {
		kind   string
		socket string
	}
	ops := []op{
		{"online", "A"}, {"online", "B"}, {"remove", "A"}, {"online", "C"},
		{"remove", "B"}, {"remove", "C"}, {"online", "D"}, {"offline", ""},
		{"online", "E"}, {"remove", "missing"}, {"remove", "E"},
	}

	live := map[string]bool{}
	for _, o := range ops {
		switch o.kind {
		case "online":
			require.NoError(t, m.SetOnline(ctx, "T1", "U1", o.socket, nil))
			live[o.socket] = true
		case "remove":
			_, err := m.RemoveConnection(ctx, "T1", "U1", o.socket)
			require.NoError(t, err)
			delete(live, o.socket)
		case "offline":
			require.NoError(t, m.SetOffline(ctx, "T1", "U1"))
			live = map[string]bool{}
		}
		assert.Equal(t, len(live) > 0, m.IsUserOnline(ctx, "T1", "U1"), "after %s %s", o.kind, o.socket)
	}
}

func TestUpdateLastSeen(t *testing.T) {
	m, mr, clock := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.UpdateLastSeen(ctx, "T1", "U1"), "expected no-op for offline user")
	assert.False(t, mr.Exists("rt:presence:T1:U1"), "expected no record to be created")

	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "A", nil))
	mr.FastForward(4 * time.Minute)
	clock.Advance(4 * time.Minute)

	require.NoError(t, m.UpdateLastSeen(ctx, "T1", "U1"))
	rec := m.GetUserPresence(ctx, "T1", "U1")
	require.NotNil(t, rec)
	assert.Equal(t, clock.Now(), rec.LastSeen)
	assert.Equal(t, DefaultTTL, mr.TTL("rt:presence:T1:U1"))
	assert.Equal(t, DefaultTTL, mr.TTL("rt:socket:A"))
	assert.Equal(t, DefaultTTL, mr.TTL("rt:online:T1"))
}

func TestRefresh(t *testing.T) {
	m, mr, clock := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "A", map[string]any{"device": "web"}))
	mr.FastForward(4 * time.Minute)
	clock.Advance(4 * time.Minute)

	require.NoError(t, m.Refresh(ctx, "T1", "U1", "A"))
	rec := m.GetUserPresence(ctx, "T1", "U1")
	require.NotNil(t, rec)
	assert.Equal(t, clock.Now(), rec.LastSeen)
	assert.Equal(t, map[string]any{"device": "web"}, rec.Metadata)
	assert.Equal(t, DefaultTTL, mr.TTL("rt:presence:T1:U1"))

	t.Run("recreates an expired record", func(t *testing.T) {
		mr.FastForward(DefaultTTL + time.Second)
		require.False(t, m.IsUserOnline(ctx, "T1", "U1"))

		require.NoError(t, m.Refresh(ctx, "T1", "U1", "A"))
		rec := m.GetUserPresence(ctx, "T1", "U1")
		require.NotNil(t, rec)
		assert.Equal(t, []string{"A"}, rec.SocketIds)
		assert.True(t, mr.Exists("rt:socket:A"))
		assert.Equal(t, int64(1), m.GetOnlineUserCount(ctx, "T1"))
	})

	t.Run("re-adds a socket missing from the record", func(t *testing.T) {
		require.NoError(t, m.SetOnline(ctx, "T1", "U2", "B", nil))
		require.NoError(t, m.Refresh(ctx, "T1", "U2", "C"))
		rec := m.GetUserPresence(ctx, "T1", "U2")
		require.NotNil(t, rec)
		assert.Equal(t, []string{"B", "C"}, rec.SocketIds)
	})
}

func TestUpdateMetadata(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.UpdateMetadata(ctx, "T1", "U1", map[string]any{"page": "x"}))
	assert.False(t, mr.Exists("rt:presence:T1:U1"))

	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "A", map[string]any{"device": "web"}))
	require.NoError(t, m.UpdateMetadata(ctx, "T1", "U1", map[string]any{"page": "/accounts"}))

	rec := m.GetUserPresence(ctx, "T1", "U1")
	require.NotNil(t, rec)
	assert.Equal(t, map[string]any{"device": "web", "page": "/accounts"}, rec.Metadata)
}

func TestTTLExpiry(t *testing.T) {
	m, mr, _ := newTestManager(t, WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "A", nil))
	mr.FastForward(61 * time.Second)

	assert.False(t, m.IsUserOnline(ctx, "T1", "U1"), "expected record to self-expire")
	assert.Equal(t, int64(0), m.GetOnlineUserCount(ctx, "T1"))
}

func TestGetOnlineUsers(t *testing.T) {
	m, mr, clock := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "A", nil))
	clock.Advance(time.Second)
	require.NoError(t, m.SetOnline(ctx, "T1", "U2", "B", nil))
	clock.Advance(time.Second)
	require.NoError(t, m.SetOnline(ctx, "T1", "U3", "C", nil))
	require.NoError(t, m.SetOnline(ctx, "T2", "U9", "D", nil))

	require.NoError(t, mr.Set("rt:presence:T1:U2", "{not json"))

	users := m.GetOnlineUsers(ctx, "T1")
	require.Len(t, users, 2, "expected corrupt record to be skipped")
	assert.Equal(t, "U3", users[0].UserId)
	assert.Equal(t, "U1", users[1].UserId)
	for _, u := range users {
		assert.Equal(t, "T1", u.TenantId, "expected only records of the requested tenant")
	}

	assert.Empty(t, m.GetOnlineUsers(ctx, "T404"))
}

func TestGetAllActiveTenants(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	assert.Empty(t, m.GetAllActiveTenants(ctx))

	require.NoError(t, m.SetOnline(ctx, "T2", "U1", "A", nil))
	require.NoError(t, m.SetOnline(ctx, "T1", "U1", "B", nil))
	require.NoError(t, m.SetOnline(ctx, "T3", "U1", "C", nil))
	_, err := m.RemoveConnection(ctx, "T3", "U1", "C")
	require.NoError(t, err)

	assert.Equal(t, []string{"T1", "T2"}, m.GetAllActiveTenants(ctx))
}

func TestCleanupStaleConnections(t *testing.T) {
	m, mr, clock := newTestManager(t, WithTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, m.SetOnline(ctx, "T1", "stale", "A", nil))
	clock.Advance(20 * time.Minute)
	require.NoError(t, m.SetOnline(ctx, "T1", "fresh", "B", nil))

	// a set member whose record vanished without cleanup
	require.NoError(t, m.SetOnline(ctx, "T2", "ghost", "C", nil))
	mr.Del("rt:presence:T2:ghost")

	res, err := m.CleanupStaleConnections(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{ForcedOffline: 1, Pruned: 1}, res)

	assert.False(t, m.IsUserOnline(ctx, "T1", "stale"))
	assert.False(t, mr.Exists("rt:socket:A"))
	assert.True(t, m.IsUserOnline(ctx, "T1", "fresh"))
	assert.Equal(t, int64(0), m.GetOnlineUserCount(ctx, "T2"))
	assert.Equal(t, []string{"T1"}, m.GetAllActiveTenants(ctx))
}

type failingStore struct{}

var errDown = errors.New("connection refused")

func (failingStore) Get(context.Context, string) (string, error) { return "", errDown }
func (failingStore) SetEX(context.Context, string, string, time.Duration) error {
	return errDown
}
func (failingStore) Del(context.Context, ...string) error                { return errDown }
func (failingStore) SAdd(context.Context, string, ...string) error       { return errDown }
func (failingStore) SRem(context.Context, string, ...string) error       { return errDown }
func (failingStore) SMembers(context.Context, string) ([]string, error)  { return nil, errDown }
func (failingStore) SCard(context.Context, string) (int64, error)        { return 0, errDown }
func (failingStore) Expire(context.Context, string, time.Duration) error { return errDown }
func (failingStore) Keys(context.Context, string) ([]string, error)      { return nil, errDown }
func (failingStore) Ping(context.Context) error                          { return errDown }

func TestStoreUnavailable(t *testing.T) {
	m := NewManager(failingStore{}, testutil.TestLogger(t))
	ctx := context.Background()

	t.Run("writes propagate", func(t *testing.T) {
		err := m.SetOnline(ctx, "T1", "U1", "A", nil)
		assert.ErrorIs(t, err, types.ErrStoreUnavailable)
		assert.ErrorIs(t, err, errDown)

		assert.ErrorIs(t, m.SetOffline(ctx, "T1", "U1"), types.ErrStoreUnavailable)

		_, err = m.RemoveConnection(ctx, "T1", "U1", "A")
		assert.ErrorIs(t, err, types.ErrStoreUnavailable)

		_, err = m.CleanupStaleConnections(ctx, time.Minute)
		assert.ErrorIs(t, err, types.ErrStoreUnavailable)

		assert.ErrorIs(t, m.Ping(ctx), types.ErrStoreUnavailable)
	})

	t.Run("reads degrade", func(t *testing.T) {
		assert.False(t, m.IsUserOnline(ctx, "T1", "U1"))
		assert.Nil(t, m.GetUserPresence(ctx, "T1", "U1"))
		assert.Equal(t, int64(0), m.GetOnlineUserCount(ctx, "T1"))
		assert.NotNil(t, m.GetOnlineUsers(ctx, "T1"))
		assert.Empty(t, m.GetOnlineUsers(ctx, "T1"))
		assert.Empty(t, m.GetAllActiveTenants(ctx))
	})
}

func TestRedisStoreKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client)
	ctx := context.Background()

	for _, k := range []string{"rt:online:T1", "rt:online:T2", "rt:presence:T1:U1", "other:online:T3"} {
		require.NoError(t, mr.Set(k, "x"))
	}

	keys, err := s.Keys(ctx, "rt:online:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rt:online:T1", "rt:online:T2"}, keys)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Del(ctx), "expected empty delete to be a no-op")
}

func TestNewRedisClient(t *testing.T) {
	c, err := NewRedisClient("redis://localhost:6379/2")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Options().DB)
	c.Close()

	_, err = NewRedisClient("http://nope")
	assert.Error(t, err)
}
