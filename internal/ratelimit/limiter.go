// Package ratelimit throttles application requests with a sliding window and upgrade
// attempts with a per-address token bucket.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	KeyUser       = "user"
	KeyConnection = "connection"
)

type Config struct {
	MaxRequests int
	Window      time.Duration
	// ShareLimit keys the window by principal instead of by connection.
	ShareLimit bool
	// Now defaults to time.Now.
	Now func() time.Time
}

// Info is the quota state reported with every check.
type Info struct {
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	Used       int    `json:"used"`
	Reset      int64  `json:"reset"`
	Window     int    `json:"window"`
	LimitKey   string `json:"limitKey"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Limiter is a sliding-window counter. Each key keeps the timestamps of its admitted
// requests inside (now-window, now]; older ones are pruned on access.
type Limiter struct {
	cfg      Config
	mu       sync.Mutex
	requests map[string][]time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{cfg: cfg, requests: make(map[string][]time.Time)}
}

func (l *Limiter) ShareLimit() bool {
	return l.cfg.ShareLimit
}

func (l *Limiter) key(principal, connID string) string {
	if l.cfg.ShareLimit {
		return principal
	}
	return connID
}

func (l *Limiter) limitKey() string {
	if l.cfg.ShareLimit {
		return KeyUser
	}
	return KeyConnection
}

// prune drops timestamps at or before now-window. Caller holds mu.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	stamps := l.requests[key]
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]
	if len(stamps) == 0 {
		delete(l.requests, key)
		return nil
	}
	l.requests[key] = stamps
	return stamps
}

func (l *Limiter) info(stamps []time.Time, now time.Time) Info {
	reset := now.Unix()
	if len(stamps) > 0 {
		expires := stamps[0].Add(l.cfg.Window)
		reset = expires.Unix()
		if expires.Nanosecond() > 0 {
			reset++
		}
	}
	return Info{
		Limit:     l.cfg.MaxRequests,
		Remaining: max(0, l.cfg.MaxRequests-len(stamps)),
		Used:      len(stamps),
		Reset:     reset,
		Window:    int(l.cfg.Window / time.Second),
		LimitKey:  l.limitKey(),
	}
}

// IsAllowed records a request for the key and reports whether it fits in the window.
// A denied request is not recorded and carries RetryAfter in whole seconds.
func (l *Limiter) IsAllowed(principal, connID string) (bool, Info) {
	key := l.key(principal, connID)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	stamps := l.prune(key, now)
	if len(stamps) >= l.cfg.MaxRequests {
		info := l.info(stamps, now)
		if len(stamps) == 0 {
			// A non-positive limit denies everything; retry after a full window.
			info.RetryAfter = max(1, int(ceilSeconds(l.cfg.Window)))
			return false, info
		}
		info.RetryAfter = max(1, int(ceilSeconds(stamps[0].Add(l.cfg.Window).Sub(now))))
		return false, info
	}

	stamps = append(stamps, now)
	l.requests[key] = stamps
	return true, l.info(stamps, now)
}

// GetStatus reports the quota for the key without recording a request.
func (l *Limiter) GetStatus(principal, connID string) Info {
	key := l.key(principal, connID)

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.cfg.Now()
	return l.info(l.prune(key, now), now)
}

func (l *Limiter) Reset(principal, connID string) {
	key := l.key(principal, connID)
	l.mu.Lock()
	delete(l.requests, key)
	l.mu.Unlock()
}

func (l *Limiter) ResetAll() {
	l.mu.Lock()
	l.requests = make(map[string][]time.Time)
	l.mu.Unlock()
}

// Keys returns how many keys currently hold timestamps.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
