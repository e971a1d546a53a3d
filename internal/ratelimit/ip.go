package ratelimit

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultIPMaxRequests   = 100
	DefaultIPWindow        = 60 * time.Second
	DefaultIPBlockDuration = 15 * time.Minute
	DefaultIPMaxTracked    = 100_000
)

type IPConfig struct {
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration
	// MaxTracked bounds the number of addresses held in memory. The least
	// recently seen address is evicted first.
	MaxTracked int
}

func DefaultIPConfig() IPConfig {
	return IPConfig{
		MaxRequests:   DefaultIPMaxRequests,
		Window:        DefaultIPWindow,
		BlockDuration: DefaultIPBlockDuration,
		MaxTracked:    DefaultIPMaxTracked,
	}
}

// WindowState is a snapshot of one rate-limit window.
type WindowState struct {
	Count        int
	ResetAt      time.Time
	LastActionAt time.Time
	Blocked      bool
	BlockExpiry  time.Time
}

// IPLimiter is the coarse per-source-address throttle applied before any
// identity is established. State is local to the process.
type IPLimiter struct {
	mu      sync.Mutex
	cfg     IPConfig
	windows *lru.Cache[string, *WindowState]
	now     func() time.Time
}

func NewIPLimiter(cfg IPConfig) (*IPLimiter, error) {
	if cfg.MaxRequests <= 0 {
		return nil, fmt.Errorf("ip limiter: max requests must be positive")
	}
	if cfg.Window <= 0 || cfg.BlockDuration <= 0 {
		return nil, fmt.Errorf("ip limiter: window and block duration must be positive")
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = DefaultIPMaxTracked
	}

	windows, err := lru.New[string, *WindowState](cfg.MaxTracked)
	if err != nil {
		return nil, fmt.Errorf("ip limiter: %w", err)
	}

	return &IPLimiter{
		cfg:     cfg,
		windows: windows,
		now:     time.Now,
	}, nil
}

// CanConnect counts an attempt from ip and reports whether it is admitted.
// Exceeding MaxRequests inside a window blocks the address for
// BlockDuration; attempts made while blocked are rejected without counting.
func (l *IPLimiter) CanConnect(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows.Get(ip)
	if !ok {
		l.windows.Add(ip, &WindowState{
			Count:        1,
			ResetAt:      now.Add(l.cfg.Window),
			LastActionAt: now,
		})
		return true
	}

	if w.Blocked {
		if now.Before(w.BlockExpiry) {
			return false
		}
		w.Blocked = false
		w.BlockExpiry = time.Time{}
		w.Count = 0
		w.ResetAt = now.Add(l.cfg.Window)
	}

	if !now.Before(w.ResetAt) {
		w.Count = 0
		w.ResetAt = now.Add(l.cfg.Window)
	}

	w.Count++
	w.LastActionAt = now
	if w.Count > l.cfg.MaxRequests {
		w.Blocked = true
		w.BlockExpiry = now.Add(l.cfg.BlockDuration)
		return false
	}

	return true
}

// State returns a copy of the window tracked for ip.
func (l *IPLimiter) State(ip string) (WindowState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows.Peek(ip)
	if !ok {
		return WindowState{}, false
	}
	return *w, true
}

// Cleanup purges windows that have expired and blocks that have lapsed.
// It returns the number of entries removed.
func (l *IPLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for _, ip := range l.windows.Keys() {
		w, ok := l.windows.Peek(ip)
		if !ok {
			continue
		}

		expired := !w.Blocked && !now.Before(w.ResetAt)
		unblocked := w.Blocked && !now.Before(w.BlockExpiry)
		if expired || unblocked {
			l.windows.Remove(ip)
			removed++
		}
	}

	return removed
}

func (l *IPLimiter) Len() int {
	return l.windows.Len()
}
