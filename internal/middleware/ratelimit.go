package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const clientLimitedMessage = "Client-limited: Too many requests from this IP. Wait a few seconds."

// RateLimitConfig параметры ограничителя: не больше Max запросов за любые Window с одного адреса.
type RateLimitConfig struct {
	Window  time.Duration
	Max     int
	Enabled bool
	// IdleTTL через сколько без запросов адрес забывается.
	IdleTTL time.Duration
	Now     func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter token bucket на каждый клиентский адрес.
type RateLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 3
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * cfg.Window
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RateLimiter{cfg: cfg, visitors: make(map[string]*visitor)}
}

// Middleware отклоняет лишние запросы сразу, без ожидания токена.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.cfg.Enabled || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if isLoopback(ip) {
			next.ServeHTTP(w, r)
			return
		}
		if !l.allow(ip) {
			w.Header().Set("Retry-After", retryAfter(l.cfg))
			writeError(w, http.StatusTooManyRequests, clientLimitedMessage)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(ip string) bool {
	now := l.cfg.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.visitors[ip]
	if !ok {
		// Один токен за окно: в любом интервале длиной Window проходит не больше Max запросов.
		v = &visitor{limiter: rate.NewLimiter(rate.Every(l.cfg.Window), l.cfg.Max)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Cleanup удаляет адреса, не появлявшиеся дольше IdleTTL.
func (l *RateLimiter) Cleanup() int {
	cutoff := l.cfg.Now().Add(-l.cfg.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
			removed++
		}
	}
	return removed
}

// Run периодически чистит таблицу адресов до отмены ctx.
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

func (l *RateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func retryAfter(cfg RateLimitConfig) string {
	secs := int((cfg.Window + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
