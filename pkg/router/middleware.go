package router

import (
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL = 10 * time.Minute
	maxLimiters    = 10000
)

// clientLimiter throttles each client of one route independently
type clientLimiter struct {
	rps   float64
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
	}
}

// allow reports whether client may make another request now
func (c *clientLimiter) allow(client string) bool {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.limiters[client]
	if !ok {
		if len(c.limiters) >= maxLimiters {
			c.evict(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(c.rps), c.burst)}
		c.limiters[client] = entry
	}
	entry.lastSeen = now
	c.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// evict drops limiters of clients not seen recently; callers hold mu
func (c *clientLimiter) evict(now time.Time) {
	for client, entry := range c.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(c.limiters, client)
		}
	}
	if len(c.limiters) >= maxLimiters {
		c.limiters = make(map[string]*limiterEntry)
	}
}

// addProxyHeaders sets X-Forwarded-* and X-Real-IP on the outbound request
func addProxyHeaders(pr *httputil.ProxyRequest) {
	if prior, ok := pr.In.Header["X-Forwarded-For"]; ok {
		pr.Out.Header["X-Forwarded-For"] = prior
	}
	pr.SetXForwarded()
	pr.Out.Header.Set("X-Real-IP", clientIP(pr.In))
}

// stripPrefix removes prefix from the outbound path, keeping it rooted
func stripPrefix(pr *httputil.ProxyRequest, prefix string) {
	if prefix == "" || !strings.HasPrefix(pr.Out.URL.Path, prefix) {
		return
	}
	p := strings.TrimPrefix(pr.Out.URL.Path, prefix)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	pr.Out.URL.Path = p
	pr.Out.URL.RawPath = ""
}

// clientIP returns the address the request came from. Forwarding headers
// are not trusted; the router is the edge.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
