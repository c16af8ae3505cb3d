package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/donezo/chatguard/internal/config"
)

// RateLimiter applies a token bucket per client
type RateLimiter struct {
	config  config.RateLimitConfig
	clients map[string]*clientLimiter
	mu      sync.Mutex
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  cfg,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// Allow checks if a request from the given client is allowed
func (r *RateLimiter) Allow(clientID string) bool {
	if !r.config.Enabled {
		return true
	}

	now := r.now()
	return r.get(clientID, now).AllowN(now, 1)
}

func (r *RateLimiter) get(clientID string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		perSecond := rate.Limit(float64(r.config.RequestsPerMinute) / 60.0)
		c = &clientLimiter{limiter: rate.NewLimiter(perSecond, r.config.Burst)}
		r.clients[clientID] = c
	}
	c.lastSeen = now
	return c.limiter
}

// Clients returns the number of tracked clients
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Cleanup drops clients idle for longer than the configured idle timeout
func (r *RateLimiter) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.config.IdleTimeout)
	removed := 0
	for id, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, id)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine periodically drops idle clients until ctx is done
func (r *RateLimiter) StartCleanupRoutine(ctx context.Context) {
	interval := r.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}
