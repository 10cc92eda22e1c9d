package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/weftlabs/weft/internal/core"
)

// apiKeyAuth guards the API routes with a static key, accepted either as a
// bearer token or an X-API-Key header. The comparison is constant-time.
func apiKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
					presented = token
				}
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="restricted"`)
				renderError(w, r, core.Coded(core.CodeUnauthorized, "missing or invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireJSON rejects mutating requests whose body is not declared as JSON.
// Bodyless requests (stop without a reason, for example) pass through.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 {
			ct := r.Header.Get("Content-Type")
			if mt, _, _ := strings.Cut(ct, ";"); strings.TrimSpace(mt) != "application/json" {
				renderError(w, r, core.Coded(core.CodeInvalidInput, "content type must be application/json, got %q", ct))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// maxBytes caps request bodies. Reads past the cap fail with
// *http.MaxBytesError, which decodeJSON turns into REQUEST_TOO_LARGE.
func maxBytes(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// visitorLimiter applies a token-bucket rate limit per client address. Idle
// clients are swept opportunistically so the map does not grow without bound.
type visitorLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newVisitorLimiter spreads max requests over the window. A burst of the full
// window budget is allowed so short spikes from interactive clients pass.
func newVisitorLimiter(window time.Duration, max int) *visitorLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &visitorLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(float64(max) / window.Seconds()),
		burst:     max,
		ttl:       3 * window,
		lastSweep: time.Now(),
	}
}

func (vl *visitorLimiter) allow(addr string) bool {
	now := time.Now()

	vl.mu.Lock()
	defer vl.mu.Unlock()

	if now.Sub(vl.lastSweep) > vl.ttl {
		for key, v := range vl.visitors {
			if now.Sub(v.lastSeen) > vl.ttl {
				delete(vl.visitors, key)
			}
		}
		vl.lastSweep = now
	}

	v, ok := vl.visitors[addr]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(vl.limit, vl.burst)}
		vl.visitors[addr] = v
	}
	v.lastSeen = now
	return v.lim.Allow()
}

// rateLimit rejects clients that exceed the per-window request budget. The
// client key is the remote IP, so it runs after the RealIP middleware.
func rateLimit(vl *visitorLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(addr); err == nil {
				addr = host
			}
			if !vl.allow(addr) {
				renderError(w, r, core.Coded(core.CodeRateLimited, "rate limit exceeded, retry later"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
