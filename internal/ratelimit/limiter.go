// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package ratelimit token-buckets submit/poll calls against upstream
// transports (spec §4.3's proxied-API and in-browser paths), layered under
// global and per-client-IP limits.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dispatcher",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	},
	[]string{"limit_type", "transport"},
)

// Config holds rate limiting configuration.
type Config struct {
	GlobalRate  rate.Limit
	GlobalBurst int

	PerIPRate  rate.Limit
	PerIPBurst int

	// TransportRates/TransportBurst key by the two upstream transports the
	// job runner's submit/poll calls use: "proxied-api" and "in-browser".
	TransportRates map[string]rate.Limit
	TransportBurst map[string]int

	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		GlobalRate:  100,
		GlobalBurst: 200,

		PerIPRate:  10,
		PerIPBurst: 20,

		TransportRates: map[string]rate.Limit{
			"proxied-api": 50,
			"in-browser":  20,
		},
		TransportBurst: map[string]int{
			"proxied-api": 100,
			"in-browser":  40,
		},

		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter manages rate limiting for upstream submit/poll calls.
type Limiter struct {
	config Config

	global       *rate.Limiter
	perIP        map[string]*rate.Limiter
	perTransport map[string]*rate.Limiter
	mu           sync.RWMutex

	lastCleanup time.Time
}

func New(config Config) *Limiter {
	l := &Limiter{
		config:       config,
		global:       rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perIP:        make(map[string]*rate.Limiter),
		perTransport: make(map[string]*rate.Limiter),
		lastCleanup:  time.Now(),
	}
	for transport, r := range config.TransportRates {
		burst := config.TransportBurst[transport]
		l.perTransport[transport] = rate.NewLimiter(r, burst)
	}
	return l
}

// Allow reports whether a call on transport from clientIP passes the
// global, per-transport, and per-IP limits, in that order.
func (l *Limiter) Allow(clientIP, transport string) bool {
	if !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global", transport).Inc()
		return false
	}

	l.mu.RLock()
	transportLimiter, exists := l.perTransport[transport]
	l.mu.RUnlock()

	if exists && !transportLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_transport", transport).Inc()
		return false
	}

	l.maybeCleanup()

	ipLimiter := l.getIPLimiter(clientIP)
	if !ipLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_ip", transport).Inc()
		return false
	}

	return true
}

func (l *Limiter) getIPLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.perIP[ip]
	if !exists {
		limiter = rate.NewLimiter(l.config.PerIPRate, l.config.PerIPBurst)
		l.perIP[ip] = limiter
	}
	return limiter
}

// maybeCleanup drops all per-IP limiters once CleanupInterval has passed,
// trading precision (an IP's burst resets) for bounded memory.
func (l *Limiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.perIP = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

// GetClientIP extracts the real client IP from proxy headers, falling back
// to RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			first = xff[:idx]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
