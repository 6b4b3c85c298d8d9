package auth

import (
	"strings"
	"sync"
	"time"
)

// LoginLimiter throttles failed login attempts per account over a
// rolling window. State is per instance; a restart clears it, which is
// acceptable for a brute-force backstop.
type LoginLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewLoginLimiter creates a limiter allowing limit failures per window.
func NewLoginLimiter(limit int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

func (l *LoginLimiter) key(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Blocked reports whether the account has exhausted its failure budget.
func (l *LoginLimiter) Blocked(email string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live(l.key(email))) >= l.limit
}

// RecordFailure notes a failed attempt against the account.
func (l *LoginLimiter) RecordFailure(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := l.key(email)
	l.attempts[key] = append(l.live(key), l.now())
}

// Clear drops the failure window after a successful login.
func (l *LoginLimiter) Clear(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, l.key(email))
}

// Prune discards windows with no live failures. Called by the retention
// sweeper to keep the map from accumulating stale accounts.
func (l *LoginLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key := range l.attempts {
		if live := l.live(key); len(live) == 0 {
			delete(l.attempts, key)
			removed++
		} else {
			l.attempts[key] = live
		}
	}
	return removed
}

// live returns the attempts still inside the window. Caller holds mu.
func (l *LoginLimiter) live(key string) []time.Time {
	cutoff := l.now().Add(-l.window)
	all := l.attempts[key]
	kept := all[:0]
	for _, at := range all {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}
