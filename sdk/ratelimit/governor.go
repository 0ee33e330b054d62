package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxRequests = 5
	DefaultWindow      = time.Minute

	// GlobalKey is shared by every connection attempt of the process.
	GlobalKey = "global"
)

type Config struct {
	MaxRequests int
	Window      time.Duration
	// Now is used instead of time.Now when set.
	Now func() time.Time
}

// Governor answers whether another connection attempt may be made for a key.
// It keeps a sliding window of attempt timestamps per key and never blocks.
type Governor struct {
	mx      *sync.Mutex
	history map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

func NewGovernor(cfg Config) *Governor {
	g := &Governor{
		mx:      &sync.Mutex{},
		history: make(map[string][]time.Time),
		max:     cfg.MaxRequests,
		window:  cfg.Window,
		now:     cfg.Now,
	}
	if g.max <= 0 {
		g.max = DefaultMaxRequests
	}
	if g.window <= 0 {
		g.window = DefaultWindow
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Allow records an attempt for key and reports whether it is within the limit.
// Denied attempts are not recorded.
func (g *Governor) Allow(key string) bool {
	g.mx.Lock()
	defer g.mx.Unlock()

	now := g.now()
	hist := prune(g.history[key], now, g.window)
	if len(hist) >= g.max {
		g.history[key] = hist
		return false
	}
	g.history[key] = append(hist, now)
	return true
}

// Remaining returns how many attempts key still has in the current window.
func (g *Governor) Remaining(key string) int {
	g.mx.Lock()
	defer g.mx.Unlock()

	hist := prune(g.history[key], g.now(), g.window)
	g.history[key] = hist
	return g.max - len(hist)
}

func (g *Governor) Reset() {
	g.mx.Lock()
	defer g.mx.Unlock()
	g.history = make(map[string][]time.Time)
}

// prune drops timestamps older than window, ts is ordered oldest first.
func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) > window {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
