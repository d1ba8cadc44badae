package server

import (
	"container/list"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/livetemplate/pagecraft/internal/telemetry"
)

// CORSMiddleware answers cross-origin calls to the page API from the listed
// storefront origins. With no origins it is a no-op.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(origins) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowed, wildcard := originAllowed(origins, origin); allowed && origin != "" {
				h := w.Header()
				if wildcard {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				h.Set("Access-Control-Max-Age", strconv.Itoa(int((24 * time.Hour).Seconds())))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origins []string, origin string) (allowed, wildcard bool) {
	for _, o := range origins {
		switch o {
		case "*":
			return true, true
		case origin:
			return true, false
		}
	}
	return false, false
}

// SecurityHeadersMiddleware sets framing, sniffing and content policy headers
// on storefront, builder and API responses.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			// Product images come from CDNs, so img-src allows any https host.
			// connect-src 'self' covers the same-origin builder websocket.
			w.Header().Set("Content-Security-Policy",
				"default-src 'self'; "+
					"script-src 'self' 'unsafe-inline'; "+
					"style-src 'self' 'unsafe-inline'; "+
					"img-src 'self' data: https:; "+
					"font-src 'self' data:; "+
					"connect-src 'self'; "+
					"frame-ancestors 'none'")

			next.ServeHTTP(w, r)
		})
	}
}

const (
	// evictionLogInterval spaces out "limiter full" warnings.
	evictionLogInterval = 30 * time.Second
	idleClientTTL       = 10 * time.Minute
	idleSweepInterval   = 5 * time.Minute
)

type clientBucket struct {
	ip       string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one token bucket per client IP, at most max of them.
// When full, the client seen least recently loses its bucket.
type clientLimiters struct {
	rps   rate.Limit
	burst int
	max   int
	log   zerolog.Logger

	mu      sync.Mutex
	byIP    map[string]*list.Element
	recency *list.List // front is the most recent client

	evicted     int
	lastEvictAt time.Time
}

func newClientLimiters(rps float64, burst, max int, log zerolog.Logger) *clientLimiters {
	if max <= 0 {
		max = 10000
	}
	return &clientLimiters{
		rps:     rate.Limit(rps),
		burst:   burst,
		max:     max,
		log:     log,
		byIP:    make(map[string]*list.Element),
		recency: list.New(),
	}
}

func (l *clientLimiters) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.byIP[ip]; ok {
		l.recency.MoveToFront(el)
		b := el.Value.(*clientBucket)
		b.lastSeen = now
		return b.limiter.Allow()
	}

	if l.recency.Len() >= l.max {
		l.evictOldest(now)
	}
	b := &clientBucket{ip: ip, limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: now}
	l.byIP[ip] = l.recency.PushFront(b)
	return b.limiter.Allow()
}

// evictOldest must be called with mu held.
func (l *clientLimiters) evictOldest(now time.Time) {
	back := l.recency.Back()
	if back == nil {
		return
	}
	l.recency.Remove(back)
	delete(l.byIP, back.Value.(*clientBucket).ip)

	l.evicted++
	if now.Sub(l.lastEvictAt) >= evictionLogInterval {
		l.log.Warn().Int("evicted", l.evicted).Int("capacity", l.max).Msg("rate limiter evicted least-recent IPs")
		l.lastEvictAt = now
		l.evicted = 0
	}
}

// dropIdle forgets clients not seen for idleClientTTL. Recency order is by
// last request, so the idle ones sit at the back.
func (l *clientLimiters) dropIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for el := l.recency.Back(); el != nil; el = l.recency.Back() {
		b := el.Value.(*clientBucket)
		if now.Sub(b.lastSeen) <= idleClientTTL {
			return
		}
		l.recency.Remove(el)
		delete(l.byIP, b.ip)
	}
}

func (l *clientLimiters) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recency.Len()
}

// RateLimitMiddleware applies a per-IP token bucket of rps with burst to the
// page API, tracking at most maxIPs clients. Over the limit it answers 429.
// Idle clients are swept until ctx is cancelled; the returned channel closes
// when the sweeper has exited.
func RateLimitMiddleware(ctx context.Context, rps float64, burst int, maxIPs int, logger zerolog.Logger) (func(http.Handler) http.Handler, <-chan struct{}) {
	limiters := newClientLimiters(rps, burst, maxIPs, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(idleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				limiters.dropIdle(now)
			case <-ctx.Done():
				return
			}
		}
	}()

	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(getClientIP(r), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	return mw, done
}

// getClientIP returns the address rate limits are keyed by. Forwarding
// headers count only when the peer is a loopback or private proxy.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	peerIP := net.ParseIP(host)
	if peerIP != nil && (peerIP.IsLoopback() || peerIP.IsPrivate()) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	if peerIP != nil {
		return peerIP.String()
	}
	return host
}

// RequestLogger logs each request and records it in metrics under its route
// pattern, so /pages/{pageId} is one series rather than one per page.
func RequestLogger(logger zerolog.Logger, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			metrics.HTTPRequest(route, r.Method, strconv.Itoa(status), elapsed)

			ev := logger.Debug()
			if status >= 500 {
				ev = logger.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", elapsed).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
