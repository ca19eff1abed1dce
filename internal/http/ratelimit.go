package http

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxAuthFailures   = 5
	maxTrackedClients = 4096
)

// RateLimiter throttles clients that keep failing admin auth. Each client
// gets maxAuthFailures attempts, refilled one per delay.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	delay   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(delay time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*rate.Limiter),
		delay:   delay,
	}
}

func (r *RateLimiter) limiter(ip string) *rate.Limiter {
	l, ok := r.clients[ip]
	if !ok {
		if len(r.clients) >= maxTrackedClients {
			clear(r.clients)
		}
		l = rate.NewLimiter(rate.Every(r.delay), maxAuthFailures)
		r.clients[ip] = l
	}
	return l
}

// RecordFailure spends one attempt for ip
func (r *RateLimiter) RecordFailure(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter(ip).Allow()
}

// ClearFailure forgets ip (on successful auth)
func (r *RateLimiter) ClearFailure(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, ip)
}

// IsLimited returns true if ip has no attempts left
func (r *RateLimiter) IsLimited(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.clients[ip]
	if !ok {
		return false
	}
	return l.Tokens() < 1
}
