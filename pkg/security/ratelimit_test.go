package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_BasicEnforcement(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2)

	if !limiter.Allow("client1") {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow("client1") {
		t.Error("second request should be allowed")
	}
	if limiter.Allow("client1") {
		t.Error("third request should be rate limited")
	}
}

func TestRateLimiter_RateReset(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2)

	limiter.Allow("client1")
	limiter.Allow("client1")
	if limiter.Allow("client1") {
		t.Error("request should be rate limited")
	}

	time.Sleep(600 * time.Millisecond)

	if !limiter.Allow("client1") {
		t.Error("request should be allowed after waiting")
	}
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1)

	if !limiter.Allow("a") {
		t.Error("client a first request should be allowed")
	}
	if limiter.Allow("a") {
		t.Error("client a second request should be limited")
	}
	if !limiter.Allow("b") {
		t.Error("client b should have its own bucket")
	}
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(5.0, 5)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(time.Hour)
	limiter.Allow("new")

	if got := limiter.Clients(); got != 1 {
		t.Errorf("expected idle client to be evicted, have %d clients", got)
	}
}

func TestRateLimiter_WaitContextCancel(t *testing.T) {
	limiter := NewRateLimiter(0.1, 1)
	limiter.Allow("client1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "client1"); err == nil {
		t.Error("expected wait to fail when context expires")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	limiter := NewRateLimiter(1000.0, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				limiter.Allow(string(rune('a' + id%26)))
			}
		}(i)
	}
	wg.Wait()
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.4:1234"
	if got := ClientID(req, nil); got != "192.168.1.4" {
		t.Errorf("expected remote host, got %s", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ClientID(req, nil); got != "192.168.1.4" {
		t.Errorf("forwarded header must be ignored without trusted proxies, got %s", got)
	}
}

func TestClientID_TrustedProxy(t *testing.T) {
	trusted, err := ParseProxies([]string{"10.0.0.0/8", "192.168.1.4"})
	if err != nil {
		t.Fatalf("ParseProxies: %v", err)
	}

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct client", "198.51.100.2:4000", "203.0.113.7", "198.51.100.2"},
		{"via trusted proxy", "192.168.1.4:1234", "203.0.113.7", "203.0.113.7"},
		{"spoofed leftmost hop", "192.168.1.4:1234", "1.2.3.4, 203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"no header", "10.1.2.3:80", "", "10.1.2.3"},
		{"only trusted hops", "10.1.2.3:80", "10.0.0.9", "10.1.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientID(req, trusted); got != tt.want {
				t.Errorf("ClientID() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseProxies_Invalid(t *testing.T) {
	if _, err := ParseProxies([]string{"not-an-ip"}); err == nil {
		t.Error("expected error for invalid proxy")
	}
	if _, err := ParseProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Error("expected error for invalid CIDR")
	}
}

func TestRateLimiter_MiddlewareIgnoresSpoofedHeader(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "198.51.100.9:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}

func TestRateLimiter_MiddlewareTrustedProxy(t *testing.T) {
	limiter := NewRateLimiter(1.0, 1)
	if err := limiter.TrustProxies("127.0.0.1"); err != nil {
		t.Fatalf("TrustProxies: %v", err)
	}
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, client := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "127.0.0.1:5555"
		req.Header.Set("X-Forwarded-For", client)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("client %s: expected 200, got %d", client, rec.Code)
		}
	}
	if limiter.Clients() != 2 {
		t.Errorf("expected 2 tracked clients, got %d", limiter.Clients())
	}
}

func TestCircuitBreaker_OpensOnFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	}

	if cb.GetState() != CircuitOpen {
		t.Fatalf("expected open circuit, got %s", cb.GetState())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("function should not run while circuit is open")
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond)
	_ = cb.Execute(func() error { return errors.New("fail") })

	time.Sleep(40 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected trial call to succeed, got %v", err)
	}
	if cb.GetState() != CircuitClosed {
		t.Errorf("expected closed circuit after success, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	_ = cb.Execute(func() error { return errors.New("fail") })
	cb.Reset()

	if cb.GetState() != CircuitClosed {
		t.Errorf("expected closed circuit after reset, got %s", cb.GetState())
	}
}

func BenchmarkRateLimiter_Allow(b *testing.B) {
	limiter := NewRateLimiter(1e9, 1e9)
	for i := 0; i < b.N; i++ {
		limiter.Allow("bench")
	}
}
