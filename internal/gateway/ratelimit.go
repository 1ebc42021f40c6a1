package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000
)

// Per-connection RPC budget.
const (
	rpcRatePerSec = 20
	rpcRateBurst  = 40
)

// authRateLimiter counts failed handshakes per remote host inside a sliding
// window and refuses new connections from hosts over the limit.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newAuthRateLimiter() *authRateLimiter {
	return &authRateLimiter{failures: make(map[string][]time.Time), now: time.Now}
}

// run prunes stale entries every minute until ctx is done.
func (l *authRateLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

func (l *authRateLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-authRateWindow)
	for host := range l.failures {
		l.compact(host, cutoff)
	}
}

// compact drops failures older than cutoff. Caller holds mu.
func (l *authRateLimiter) compact(host string, cutoff time.Time) int {
	times := l.failures[host]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, host)
		return 0
	}
	l.failures[host] = kept
	return len(kept)
}

func (l *authRateLimiter) allow(remoteAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.compact(hostOf(remoteAddr), l.now().Add(-authRateWindow)) < authRateMaxFails
}

func (l *authRateLimiter) recordFailure(remoteAddr string) {
	host := hostOf(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.failures[host]; !ok && len(l.failures) >= authRateMaxIPs {
		l.evictOldest()
	}
	l.failures[host] = append(l.failures[host], l.now())
}

// evictOldest drops the host whose first failure is oldest. Caller holds mu.
func (l *authRateLimiter) evictOldest() {
	var (
		oldest string
		at     time.Time
	)
	for host, times := range l.failures {
		if len(times) > 0 && (oldest == "" || times[0].Before(at)) {
			oldest, at = host, times[0]
		}
	}
	if oldest != "" {
		delete(l.failures, oldest)
	}
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}

// newRPCLimiter is the token bucket each authenticated connection gets.
func newRPCLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rpcRatePerSec), rpcRateBurst)
}
