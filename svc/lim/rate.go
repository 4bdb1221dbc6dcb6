package lim

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"burnbin/svc/db"
	"burnbin/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	redisBudget     = 100 * time.Millisecond
)

// Counter is the shared fixed-window counter, normally *db.Redis.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// Limiter applies per-client, per-endpoint limits. With a shared counter
// every instance sees the same window of RPM hits; without one (or while it
// is failing) each instance keeps its own token buckets.
type Limiter struct {
	shared            Counter
	trustedProxies    []string
	localLimiters     map[string]*limiterEntry
	mu                sync.Mutex
	rpm               int
	burst             int
	conservativeLimit int
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
	now               func() time.Time
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(rpm, burst, conservativeLimit int, rdb *db.Redis, trustedProxies []string) (*Limiter, error) {
	var shared Counter
	if rdb != nil {
		shared = rdb
	}
	return newLimiter(rpm, burst, conservativeLimit, shared, trustedProxies)
}

func newLimiter(rpm, burst, conservativeLimit int, shared Counter, trustedProxies []string) (*Limiter, error) {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, errors.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	if rpm <= 0 || conservativeLimit <= 0 {
		return nil, errors.New("rate limits must be positive")
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		shared:            shared,
		trustedProxies:    trustedProxies,
		localLimiters:     make(map[string]*limiterEntry),
		rpm:               rpm,
		burst:             burst,
		conservativeLimit: conservativeLimit,
		quit:              make(chan struct{}),
		evictionSem:       make(chan struct{}, 1),
		now:               time.Now,
	}
	go l.cleanupLoop()
	return l, nil
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) evictExpiredLimiters() {
	now := l.now()
	toDelete := make([]string, 0, 100)
	l.mu.Lock()
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			toDelete = append(toDelete, key)
		}
	}
	for _, key := range toDelete {
		delete(l.localLimiters, key)
	}
	evicted := len(toDelete)
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// CheckLimit counts one request from the client of r against endpoint.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	now := l.now()
	if l.shared != nil {
		ctx, cancel := context.WithTimeout(r.Context(), redisBudget)
		defer cancel()
		usage, err := l.shared.RateLimit(ctx, endpoint+":"+ip, l.rpm, time.Minute)
		if err != nil {
			util.Warn().Err(err).Msg("redis rate limit unavailable, using local fallback")
			return l.local(ip, endpoint, l.conservativeLimit, l.conservativeLimit)
		}
		remaining := l.rpm - usage
		if remaining < 0 {
			remaining = 0
		}
		return &RateLimitResult{
			Allowed:   usage <= l.rpm,
			Limit:     l.rpm,
			Remaining: remaining,
			Reset:     now.Add(time.Minute),
		}
	}
	return l.local(ip, endpoint, l.rpm, l.burst)
}

func (l *Limiter) local(ip, endpoint string, perMinute, burst int) *RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	threshold := (maxLimiters * 9) / 10
	if len(l.localLimiters) >= threshold {
		toEvict := len(l.localLimiters) / 10
		if toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.asyncEvictOldest(toEvict)
				}()
			default:
			}
		}
	}
	key := ip + ":" + endpoint
	entry, exists := l.localLimiters[key]
	if !exists && len(l.localLimiters) >= maxLimiters {
		util.Warn().
			Int("limiters", len(l.localLimiters)).
			Str("ip", util.RedactIP(ip)).
			Msg("rate limiter at capacity, rejecting request")
		return &RateLimitResult{
			Allowed:   false,
			Limit:     perMinute,
			Remaining: 0,
			Reset:     now.Add(time.Minute),
		}
	}
	if !exists {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		}
		l.localLimiters[key] = entry
	}
	entry.lastAccess = now
	if !entry.limiter.AllowN(now, 1) {
		return &RateLimitResult{
			Allowed:   false,
			Limit:     perMinute,
			Remaining: 0,
			Reset:     now.Add(time.Minute),
		}
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     perMinute,
		Remaining: int(entry.limiter.TokensAt(now)),
		Reset:     now.Add(time.Minute),
	}
}
func (l *Limiter) asyncEvictOldest(count int) {
	l.mu.Lock()
	if len(l.localLimiters) < (maxLimiters*8)/10 {
		l.mu.Unlock()
		return
	}
	type kv struct {
		key        string
		lastAccess time.Time
	}
	entries := make([]kv, 0, len(l.localLimiters))
	for k, v := range l.localLimiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.localLimiters[entries[i].key]; exists {
			delete(l.localLimiters, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().
			Int("evicted", evicted).
			Msg("async limiter eviction completed")
	}
}

func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 {
		return remoteIP
	}
	if !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		lastComma := strings.LastIndexByte(remaining, ',')
		var ipStr string
		if lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		parsedIP := net.ParseIP(ipStr)
		if parsedIP == nil {
			util.Debug().Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}
func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil {
				parsedIP := net.ParseIP(ip)
				if parsedIP != nil && subnet.Contains(parsedIP) {
					return true
				}
			}
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}

// FromTrustedProxy reports whether r arrived directly from a trusted proxy,
// i.e. whether its X-Forwarded-* headers may be believed.
func FromTrustedProxy(r *http.Request, trustedProxies []string) bool {
	return len(trustedProxies) > 0 && isTrustedProxy(stripPort(r.RemoteAddr), trustedProxies)
}
