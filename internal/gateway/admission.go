package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dunia/mcp-gateway/internal/database"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// IPAdmission implements the whitelist matcher described in spec §4.1: a
// read-through cache of IPv4/CIDR entries, refreshed on a timer, with
// "0.0.0.0/0 disables filtering" and fail-open-on-error semantics.
//
// Grounded on the teacher's Authorizer.policyCache pattern (internal/gateway/authorizer.go):
// an RWMutex-guarded slice loaded from the repository, reloaded rather than
// invalidated entry-by-entry.
type IPAdmission struct {
	repo *database.Repository

	mu       sync.RWMutex
	entries  []*net.IPNet
	disabled bool
	loadedAt time.Time

	refreshInterval time.Duration
	stopCh          chan struct{}
}

// NewIPAdmission creates an IPAdmission matcher and performs an initial load.
func NewIPAdmission(repo *database.Repository, refreshInterval time.Duration) *IPAdmission {
	if refreshInterval == 0 {
		refreshInterval = 15 * time.Minute
	}
	a := &IPAdmission{repo: repo, refreshInterval: refreshInterval, stopCh: make(chan struct{})}
	a.reload(context.Background())
	go a.refreshLoop()
	return a
}

func (a *IPAdmission) refreshLoop() {
	ticker := time.NewTicker(a.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.reload(context.Background())
		case <-a.stopCh:
			return
		}
	}
}

// Stop stops the background refresh goroutine.
func (a *IPAdmission) Stop() {
	close(a.stopCh)
}

func (a *IPAdmission) reload(ctx context.Context) {
	rows, err := a.repo.ListIPWhitelist(ctx)
	if err != nil {
		// Fail open: keep serving the previous (possibly empty) entry set and log.
		log.Error().Err(err).Msg("Failed to load IP whitelist, admission policy fails open")
		return
	}

	var nets []*net.IPNet
	disabled := false
	for _, row := range rows {
		cidr := row
		if cidr == "0.0.0.0/0" {
			disabled = true
			break
		}
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		// Exact IPv4/IPv6 address: treat as a /32 or /128.
		if ip := net.ParseIP(cidr); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}

	a.mu.Lock()
	a.entries = nets
	a.disabled = disabled
	a.loadedAt = time.Now()
	a.mu.Unlock()
}

// normalizeIP strips an IPv4-mapped-IPv6 prefix and maps ::1 to 127.0.0.1 so
// CIDR matching behaves the same for dual-stack clients.
func normalizeIP(ip net.IP) net.IP {
	if ip == nil {
		return ip
	}
	if ip.IsLoopback() {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
		return net.ParseIP("127.0.0.1")
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// AdmitIP implements (a) of the §4.1 contract: admitIP(clientIP) -> allow|deny.
func (a *IPAdmission) AdmitIP(clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		// Can't parse it at all: fail open per spec policy, but log for visibility.
		log.Warn().Str("ip", clientIP).Msg("Could not parse client IP for admission check, failing open")
		return true
	}
	ip = normalizeIP(ip)

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.disabled || len(a.entries) == 0 {
		return true
	}

	for _, n := range a.entries {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// RateLimiter implements the fixed 60s window counter of spec §4.1, keyed by
// userId, with a sweep that clears counters idle for more than 2 windows.
type RateLimiter struct {
	mu       sync.Mutex
	counters map[string]*windowCounter

	window   time.Duration
	sweepInt time.Duration
	stop     chan struct{}

	// dispatchLimiters shapes outbound control-plane notification delivery per
	// user so a slow/malicious client can't be flooded; this is separate from
	// the forward-request counter above (see SPEC_FULL.md's DOMAIN STACK note
	// on golang.org/x/time/rate) and never affects request admission.
	dispatchMu       sync.Mutex
	dispatchLimiters map[string]*rate.Limiter
}

type windowCounter struct {
	count      int
	windowFrom time.Time
	lastSeen   time.Time
}

// RateDecision is the result of a checkRate call.
type RateDecision struct {
	Allow      bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// NewRateLimiter creates a RateLimiter with a fixed 60s window and a 5-minute sweep.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		counters:         make(map[string]*windowCounter),
		window:           60 * time.Second,
		sweepInt:         5 * time.Minute,
		stop:             make(chan struct{}),
		dispatchLimiters: make(map[string]*rate.Limiter),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.sweepInt)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-2 * rl.window)
	for key, c := range rl.counters {
		if c.lastSeen.Before(cutoff) {
			delete(rl.counters, key)
		}
	}
}

// CheckRate implements (c) of the §4.1 contract: checkRate(userId, limit) ->
// {allow, remaining, resetAt} | {deny, retryAfter}.
func (rl *RateLimiter) CheckRate(userID string, limit int) RateDecision {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.counters[userID]
	if !ok || now.Sub(c.windowFrom) >= rl.window {
		c = &windowCounter{count: 0, windowFrom: now}
		rl.counters[userID] = c
	}
	c.lastSeen = now

	resetAt := c.windowFrom.Add(rl.window)

	if c.count >= limit {
		return RateDecision{
			Allow:      false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	c.count++
	return RateDecision{
		Allow:     true,
		Remaining: limit - c.count,
		ResetAt:   resetAt,
	}
}

// Stop stops the sweep goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

// DispatchAllow shapes outbound control-plane notification delivery for
// userID; it never gates admission of inbound requests (see RateLimiter doc).
func (rl *RateLimiter) DispatchAllow(userID string) bool {
	rl.dispatchMu.Lock()
	lim, ok := rl.dispatchLimiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(10), 20) // 10/s sustained, burst 20
		rl.dispatchLimiters[userID] = lim
	}
	rl.dispatchMu.Unlock()
	return lim.Allow()
}

// WriteRateLimitHeaders sets the X-RateLimit-* and Retry-After headers per spec §4.1.
func WriteRateLimitHeaders(w http.ResponseWriter, limit int, d RateDecision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	w.Header().Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(time.RFC3339))
	if !d.Allow {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())))
	}
}
