package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned by CircuitBreaker.Execute while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// RateLimiter limits requests globally and per client.
type RateLimiter struct {
	globalLimiter *rate.Limiter
	clients       map[string]*clientLimiter
	mu            sync.Mutex

	requestsPerSecond float64
	burst             int
	idleTTL           time.Duration
	now               func() time.Time
	trustedProxies    []netip.Prefix
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter. The global bucket allows ten
// times the per-client rate.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond*10), burst*10),
		clients:           make(map[string]*clientLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		idleTTL:           10 * time.Minute,
		now:               time.Now,
	}
}

// Allow checks if a request from clientID should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.clientLimiter(clientID).Allow()
}

// Wait blocks until a request can be made
func (rl *RateLimiter) Wait(ctx context.Context, clientID string) error {
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.clientLimiter(clientID).Wait(ctx); err != nil {
		return fmt.Errorf("client rate limit: %w", err)
	}
	return nil
}

// Clients returns the number of tracked client limiters.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) clientLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if cl, ok := rl.clients[clientID]; ok {
		cl.lastSeen = now
		return cl.limiter
	}

	// Evict idle clients lazily when a new one shows up.
	for id, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > rl.idleTTL {
			delete(rl.clients, id)
		}
	}

	cl := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst),
		lastSeen: now,
	}
	rl.clients[clientID] = cl
	return cl.limiter
}

// TrustProxies lists the proxies whose X-Forwarded-For header is believed.
// Entries are CIDRs or bare addresses. Call before serving requests.
func (rl *RateLimiter) TrustProxies(proxies ...string) error {
	prefixes, err := ParseProxies(proxies)
	if err != nil {
		return err
	}
	rl.trustedProxies = prefixes
	return nil
}

// Middleware rejects requests over the limit with 429. WebSocket upgrades
// count as a single request.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientID(r, rl.trustedProxies)) {
			w.Header().Set("Retry-After", "1")
			WriteError(w, http.StatusTooManyRequests, ErrCodeRateLimit,
				"Rate limit exceeded. Please wait a moment and try again.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ParseProxies parses CIDRs or bare addresses into prefixes
func ParseProxies(proxies []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(proxies))
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if strings.Contains(p, "/") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy %q: %w", p, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", p, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// ClientID identifies the caller by its remote address. X-Forwarded-For is
// only consulted when the remote address is a trusted proxy; the nearest hop
// that is not itself trusted is used.
func ClientID(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
	}
	return host
}

func isTrusted(host string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	failures        int
	lastFailureTime time.Time
	state           CircuitState
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// Execute runs fn through the circuit breaker. The lock is not held while fn
// runs, so slow upstream calls do not serialize callers.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.failures = 0
	}
	if cb.state == CircuitOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
		}
		return err
	}

	cb.failures = 0
	cb.state = CircuitClosed
	return nil
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}
