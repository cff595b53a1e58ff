package api

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute
	retryAfter      = time.Minute
)

// limitRule applies to requests whose method matches (empty = any) and whose
// path starts with prefix. The first matching rule wins.
type limitRule struct {
	method string
	prefix string
	rps    rate.Limit
	burst  int
}

func (r limitRule) key() string { return r.method + " " + r.prefix }

func (r limitRule) matches(method, path string) bool {
	return (r.method == "" || r.method == method) && strings.HasPrefix(path, r.prefix)
}

func perMinute(n int) rate.Limit { return rate.Limit(float64(n) / 60) }

// Endpoints that reach chain nodes or write get tighter limits than ledger
// reads.
var defaultLimitRules = []limitRule{
	{method: http.MethodGet, prefix: "/healthz", rps: rate.Inf},
	{method: http.MethodPost, prefix: "/v1/sync", rps: perMinute(30), burst: 5},
	{method: http.MethodGet, prefix: "/v1/balances", rps: perMinute(60), burst: 10},
	{method: http.MethodPut, prefix: "/v1/rates/manual", rps: perMinute(10), burst: 3},
	{method: http.MethodPost, prefix: "/v1/accounts", rps: perMinute(10), burst: 3},
	{method: http.MethodPut, prefix: "/v1/settings", rps: perMinute(10), burst: 3},
	{prefix: "", rps: 10, burst: 20},
}

type clientLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware keeps one token bucket per (rule, client IP).
type RateLimitMiddleware struct {
	rules   []limitRule
	logger  *slog.Logger
	nowFunc func() time.Time

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware starts a goroutine that evicts idle limiters; call
// Stop to release it.
func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		rules:    defaultLimitRules,
		logger:   logger.With("component", "api_ratelimit"),
		nowFunc:  time.Now,
		limiters: make(map[string]*clientLimiter),
		stopCh:   make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) evictLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	cutoff := rl.nowFunc().Add(-staleLimiterTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, l := range rl.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount reports how many (rule, client) buckets are live.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.limiterFor(rl.ruleFor(r.Method, r.URL.Path), ip).Allow() {
			rl.logger.Warn("api rate limit exceeded", "method", r.Method, "path", r.URL.Path, "client_ip", ip)
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) ruleFor(method, path string) limitRule {
	for _, rule := range rl.rules {
		if rule.matches(method, path) {
			return rule
		}
	}
	return rl.rules[len(rl.rules)-1]
}

func (rl *RateLimitMiddleware) limiterFor(rule limitRule, ip string) *rate.Limiter {
	key := rule.key() + "|" + ip
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = &clientLimiter{Limiter: rate.NewLimiter(rule.rps, rule.burst)}
		rl.limiters[key] = l
	}
	l.lastSeen = now
	return l.Limiter
}

// clientIP takes the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
