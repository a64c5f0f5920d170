// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiter_GlobalBurst(t *testing.T) {
	config := Config{
		GlobalRate:      10,
		GlobalBurst:     20,
		PerIPRate:       100,
		PerIPBurst:      200,
		TransportRates:  map[string]rate.Limit{"proxied-api": 100},
		TransportBurst:  map[string]int{"proxied-api": 200},
		CleanupInterval: time.Minute,
	}
	limiter := New(config)

	allowed := 0
	for i := 0; i < 25; i++ {
		if limiter.Allow("192.168.1.1", "proxied-api") {
			allowed++
		}
	}
	require.InDelta(t, 20, allowed, 1)
}

func TestLimiter_PerTransport(t *testing.T) {
	config := Config{
		GlobalRate:      100,
		GlobalBurst:     200,
		PerIPRate:       100,
		PerIPBurst:      200,
		TransportRates:  map[string]rate.Limit{"in-browser": 5},
		TransportBurst:  map[string]int{"in-browser": 10},
		CleanupInterval: time.Minute,
	}
	limiter := New(config)

	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("192.168.1.2", "in-browser") {
			allowed++
		}
	}
	require.InDelta(t, 10, allowed, 1)
}

func TestLimiter_PerIPIsIndependentPerAddress(t *testing.T) {
	config := Config{
		GlobalRate:      100,
		GlobalBurst:     200,
		PerIPRate:       5,
		PerIPBurst:      10,
		TransportRates:  map[string]rate.Limit{"proxied-api": 100},
		TransportBurst:  map[string]int{"proxied-api": 200},
		CleanupInterval: time.Minute,
	}
	limiter := New(config)

	allowedA := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("192.168.1.3", "proxied-api") {
			allowedA++
		}
	}
	require.InDelta(t, 10, allowedA, 1)

	allowedB := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("192.168.1.4", "proxied-api") {
			allowedB++
		}
	}
	require.InDelta(t, 10, allowedB, 1)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "X-Forwarded-For single IP",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1"},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For multiple IPs takes first",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, 192.168.1.1, 10.0.0.1"},
			remoteAddr: "127.0.0.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Real-IP",
			headers:    map[string]string{"X-Real-IP": "203.0.113.2"},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.2",
		},
		{
			name:       "falls back to RemoteAddr",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.100:54321",
			want:       "192.168.1.100",
		},
		{
			name:       "X-Forwarded-For trims spaces",
			headers:    map[string]string{"X-Forwarded-For": "  203.0.113.5  "},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			req.RemoteAddr = tt.remoteAddr

			require.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

func TestLimiter_CleanupResetsPerIPState(t *testing.T) {
	config := Config{
		GlobalRate:      100,
		GlobalBurst:     200,
		PerIPRate:       10,
		PerIPBurst:      20,
		TransportRates:  map[string]rate.Limit{"proxied-api": 100},
		TransportBurst:  map[string]int{"proxied-api": 200},
		CleanupInterval: 100 * time.Millisecond,
	}
	limiter := New(config)

	for i := 0; i < 10; i++ {
		limiter.Allow("10.0.0."+string(rune('0'+i)), "proxied-api")
	}

	limiter.mu.RLock()
	countBefore := len(limiter.perIP)
	limiter.mu.RUnlock()
	require.Equal(t, 10, countBefore)

	time.Sleep(150 * time.Millisecond)
	limiter.Allow("10.0.0.200", "proxied-api")

	limiter.mu.RLock()
	countAfter := len(limiter.perIP)
	limiter.mu.RUnlock()
	require.Equal(t, 1, countAfter)
}

func BenchmarkLimiter_Allow(b *testing.B) {
	limiter := New(DefaultConfig())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("192.168.1.1", "proxied-api")
	}
}

func BenchmarkGetClientIP(b *testing.B) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.1, 192.168.1.1")
	req.RemoteAddr = "192.168.1.100:54321"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		GetClientIP(req)
	}
}
