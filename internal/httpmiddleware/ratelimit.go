package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPLimiter applies a per-client-IP request rate across the whole API. The
// per-supervisor scan limiter is separate and stricter; this one only keeps
// a single client from flooding the service.
type IPLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopCh chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter creates a limiter allowing perMinute requests per IP and
// starts a cleanup loop dropping entries idle for over three minutes.
func NewIPLimiter(perMinute int) *IPLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	l := &IPLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		clients: make(map[string]*clientLimiter),
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop terminates the cleanup goroutine.
func (l *IPLimiter) Stop() {
	close(l.stopCh)
}

// GinMiddleware returns a gin handler enforcing the per-IP limit.
func (l *IPLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *IPLimiter) allow(key string) bool {
	l.mu.Lock()
	cl, ok := l.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = cl
	}
	cl.lastSeen = time.Now()
	l.mu.Unlock()
	return cl.limiter.Allow()
}

func (l *IPLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for key, cl := range l.clients {
				if time.Since(cl.lastSeen) > 3*time.Minute {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
