package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultMaxConnections     = 5
	DefaultConnectionWindow   = 60 * time.Second
	DefaultConnectionCooldown = time.Second
)

type IdentityConfig struct {
	MaxConnections int
	Window         time.Duration
	Cooldown       time.Duration
}

func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		MaxConnections: DefaultMaxConnections,
		Window:         DefaultConnectionWindow,
		Cooldown:       DefaultConnectionCooldown,
	}
}

// IdentityLimiter throttles connection attempts per (tenant, user). An
// attempt must clear both the cooldown since the last admitted attempt and
// the per-window count.
type IdentityLimiter struct {
	mu      sync.Mutex
	cfg     IdentityConfig
	windows map[string]*WindowState
	now     func() time.Time
}

func NewIdentityLimiter(cfg IdentityConfig) (*IdentityLimiter, error) {
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("identity limiter: max connections must be positive")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("identity limiter: window must be positive")
	}
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("identity limiter: cooldown cannot be negative")
	}

	return &IdentityLimiter{
		cfg:     cfg,
		windows: make(map[string]*WindowState),
		now:     time.Now,
	}, nil
}

func identityKey(userId, tenantId string) string {
	return tenantId + ":" + userId
}

// CanConnect reports whether the identity may open another connection. An
// admitted attempt is counted and its timestamp recorded under the same lock.
func (l *IdentityLimiter) CanConnect(userId, tenantId string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := identityKey(userId, tenantId)
	w, ok := l.windows[key]
	if !ok {
		l.windows[key] = &WindowState{
			Count:        1,
			ResetAt:      now.Add(l.cfg.Window),
			LastActionAt: now,
		}
		return true
	}

	if !now.Before(w.ResetAt) {
		w.Count = 0
		w.ResetAt = now.Add(l.cfg.Window)
	}

	if now.Sub(w.LastActionAt) < l.cfg.Cooldown {
		return false
	}

	if w.Count >= l.cfg.MaxConnections {
		return false
	}

	w.Count++
	w.LastActionAt = now
	return true
}

// Release frees the slot taken by a connection that has since closed.
func (l *IdentityLimiter) Release(userId, tenantId string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.windows[identityKey(userId, tenantId)]; ok && w.Count > 0 {
		w.Count--
	}
}

func (l *IdentityLimiter) State(userId, tenantId string) (WindowState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identityKey(userId, tenantId)]
	if !ok {
		return WindowState{}, false
	}
	return *w, true
}

// Cleanup evicts windows whose reset time has passed.
func (l *IdentityLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.ResetAt) {
			delete(l.windows, key)
			removed++
		}
	}

	return removed
}
