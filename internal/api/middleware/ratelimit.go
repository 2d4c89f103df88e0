package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"leadflow/crm/internal/config"
	"leadflow/crm/internal/logger"
)

const (
	limiterCleanupInterval = 10 * time.Minute
	limiterIdleTimeout     = 30 * time.Minute
)

// clientLimiter stores the token bucket for a specific client.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterMiddleware applies one token bucket per client.
type RateLimiterMiddleware struct {
	clients map[string]*clientLimiter
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	log     zerolog.Logger
}

// NewRateLimiterMiddleware creates a new RateLimiterMiddleware from the configured
// bucket size and refill rate.
func NewRateLimiterMiddleware(cfg *config.Config) *RateLimiterMiddleware {
	rm := &RateLimiterMiddleware{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(cfg.RateLimitRefillRate),
		burst:   cfg.RateLimitBucketSize,
		log:     logger.WithComponent("ratelimit"),
	}
	go rm.cleanupClients()
	return rm
}

// getClientIdentifier keys clients by the bearer token when present, else by IP.
func getClientIdentifier(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		return "auth|" + authHeader
	}
	return "ip|" + c.ClientIP()
}

// getClientLimiter retrieves or creates the limiter for a given client identifier.
func (rm *RateLimiterMiddleware) getClientLimiter(identifier string) *rate.Limiter {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	entry, exists := rm.clients[identifier]
	if !exists {
		entry = &clientLimiter{limiter: rate.NewLimiter(rm.limit, rm.burst)}
		rm.clients[identifier] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// cleanupClients periodically removes idle client entries.
func (rm *RateLimiterMiddleware) cleanupClients() {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for range ticker.C {
		rm.prune(time.Now())
	}
}

func (rm *RateLimiterMiddleware) prune(now time.Time) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	count := 0
	for id, client := range rm.clients {
		if now.Sub(client.lastSeen) > limiterIdleTimeout {
			delete(rm.clients, id)
			count++
		}
	}
	if count > 0 {
		rm.log.Debug().Int("removed", count).Msg("rate limiter cleanup")
	}
	return count
}

// Limit creates the Gin middleware handler.
func (rm *RateLimiterMiddleware) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := getClientIdentifier(c)
		if !rm.getClientLimiter(clientKey).Allow() {
			rm.log.Warn().Str("client_ip", c.ClientIP()).Str("path", c.FullPath()).Msg("rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
