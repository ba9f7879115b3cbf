package ipmask

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// RateLimiter provides per-client admission control using a sliding
// window. Each identifier keeps the ascending timestamps of its admitted
// requests; at most MaxRequests may fall inside any trailing Window.
//
// Windows live in a concurrent map and each carries its own mutex, so
// checks for different clients never contend on a shared lock.
type RateLimiter struct {
	// MaxRequests is the number of requests admitted per window.
	MaxRequests int

	// Window is the length of the sliding window.
	Window time.Duration

	// CleanupInterval controls how often fully expired windows are removed.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	disabled bool
	windows  *xsync.Map[string, *rateWindow]
	done     chan struct{}
	once     sync.Once
}

type rateWindow struct {
	mu     sync.Mutex
	stamps []time.Time

	// dead is set once the sweeper has removed the window from the map.
	dead bool
}

// NewRateLimiter creates a sliding-window limiter admitting maxRequests per
// window per identifier and starts its background sweeper.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		MaxRequests:     maxRequests,
		Window:          window,
		CleanupInterval: time.Minute,
		windows:         xsync.NewMap[string, *rateWindow](),
		done:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// NewRateLimiterFromConfig builds a limiter from configuration. When rate
// limiting is disabled the returned limiter admits everything and keeps no
// per-client state.
func NewRateLimiterFromConfig(cfg RateLimitConfig) *RateLimiter {
	if !cfg.Enabled {
		return &RateLimiter{disabled: true}
	}
	return NewRateLimiter(cfg.MaxRequests, cfg.Window)
}

// Enabled reports whether the limiter enforces a limit.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && !rl.disabled
}

// Allow reports whether a request from identifier at time now is admitted.
// Timestamps strictly older than now-Window are evicted first; the request
// is recorded only when admitted.
func (rl *RateLimiter) Allow(identifier string, now time.Time) bool {
	if !rl.Enabled() {
		return true
	}

	for {
		w, _ := rl.windows.LoadOrCompute(identifier, func() (*rateWindow, bool) {
			return &rateWindow{}, false
		})
		if allowed, ok := w.admit(now, rl.Window, rl.MaxRequests); ok {
			return allowed
		}
	}
}

// admit runs the sliding-window check under the window's lock. ok is false
// when the window was swept concurrently and the caller must look it up again.
func (w *rateWindow) admit(now time.Time, window time.Duration, limit int) (allowed, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		return false, false
	}

	w.evict(now.Add(-window))
	if len(w.stamps) >= limit {
		return false, true
	}

	// Concurrent callers may read the clock in a different order than they
	// acquire the lock; clamping keeps the sequence ascending.
	if n := len(w.stamps); n > 0 && now.Before(w.stamps[n-1]) {
		now = w.stamps[n-1]
	}
	w.stamps = append(w.stamps, now)
	return true, true
}

// ResetTime returns how long until the oldest retained request for
// identifier leaves the window, or zero when nothing is retained.
func (rl *RateLimiter) ResetTime(identifier string, now time.Time) time.Duration {
	if !rl.Enabled() {
		return 0
	}
	w, ok := rl.windows.Load(identifier)
	if !ok {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.stamps) == 0 {
		return 0
	}
	return max(0, w.stamps[0].Add(rl.Window).Sub(now))
}

// ClientCount returns the number of tracked identifiers.
func (rl *RateLimiter) ClientCount() int {
	if !rl.Enabled() {
		return 0
	}
	return rl.windows.Size()
}

// Close stops the background sweeper. It is safe to call more than once.
func (rl *RateLimiter) Close() {
	if !rl.Enabled() {
		return
	}
	rl.once.Do(func() { close(rl.done) })
}

// evict drops the prefix of stamps older than cutoff. Stamps are appended
// in time order, so the expired ones are always at the front.
func (w *rateWindow) evict(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (rl *RateLimiter) cleanup() {
	interval := rl.CleanupInterval
	if interval == 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// sweep removes windows whose every timestamp has expired. Such a window
// behaves exactly like a missing one, so removal is invisible to Allow.
func (rl *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-rl.Window)
	rl.windows.Range(func(id string, _ *rateWindow) bool {
		rl.windows.Compute(id, func(cur *rateWindow, loaded bool) (*rateWindow, xsync.ComputeOp) {
			if !loaded {
				return cur, xsync.CancelOp
			}
			cur.mu.Lock()
			defer cur.mu.Unlock()
			cur.evict(cutoff)
			if len(cur.stamps) == 0 {
				cur.dead = true
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		return true
	})
}
