package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/pagecraft/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func reqFromIP(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/pages/home", nil)
	r.RemoteAddr = ip + ":12345"
	return r
}

func limited(t *testing.T, rps float64, burst, maxIPs int) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mw, _ := RateLimitMiddleware(ctx, rps, burst, maxIPs, zerolog.Nop())
	return mw(okHandler())
}

func hit(h http.Handler, ip string) int {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, reqFromIP(ip))
	return w.Code
}

func TestRateLimitPerClient(t *testing.T) {
	h := limited(t, 0.001, 2, 100)

	assert.Equal(t, http.StatusOK, hit(h, "203.0.113.1"))
	assert.Equal(t, http.StatusOK, hit(h, "203.0.113.1"))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, reqFromIP("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())

	assert.Equal(t, http.StatusOK, hit(h, "203.0.113.2"), "another storefront client has its own bucket")
}

func TestRateLimitFullTableEvictsLeastRecent(t *testing.T) {
	h := limited(t, 100, 100, 3)
	for _, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		require.Equal(t, http.StatusOK, hit(h, ip))
	}
	assert.Equal(t, http.StatusOK, hit(h, "4.4.4.4"), "a new client is admitted when the table is full")
}

func TestRateLimitEvictedClientStartsOver(t *testing.T) {
	// Almost no refill, so a bucket only empties through use.
	h := limited(t, 0.001, 1, 2)

	require.Equal(t, http.StatusOK, hit(h, "1.1.1.1"))
	require.Equal(t, http.StatusTooManyRequests, hit(h, "1.1.1.1"))

	// Two newer clients push 1.1.1.1 out.
	require.Equal(t, http.StatusOK, hit(h, "2.2.2.2"))
	require.Equal(t, http.StatusOK, hit(h, "3.3.3.3"))

	assert.Equal(t, http.StatusOK, hit(h, "1.1.1.1"), "the returning client gets a full bucket")
}

func TestRateLimitRecentClientSurvivesEviction(t *testing.T) {
	h := limited(t, 0.001, 1, 2)

	require.Equal(t, http.StatusOK, hit(h, "1.1.1.1"))
	require.Equal(t, http.StatusOK, hit(h, "2.2.2.2"))
	// Touch 1.1.1.1 so 2.2.2.2 is now the oldest.
	require.Equal(t, http.StatusTooManyRequests, hit(h, "1.1.1.1"))

	require.Equal(t, http.StatusOK, hit(h, "3.3.3.3"))

	assert.Equal(t, http.StatusTooManyRequests, hit(h, "1.1.1.1"), "1.1.1.1 kept its empty bucket")
	assert.Equal(t, http.StatusOK, hit(h, "2.2.2.2"), "2.2.2.2 was evicted and starts over")
}

func TestRateLimitNeverUnavailableWhenFull(t *testing.T) {
	h := limited(t, 100, 100, 5)
	for i := range 50 {
		code := hit(h, fmt.Sprintf("10.0.%d.%d", i/256, i%256))
		require.NotEqual(t, http.StatusServiceUnavailable, code, "request %d", i)
	}
}

func TestRateLimitConcurrentClients(t *testing.T) {
	h := limited(t, 1000, 1000, 10)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Go(func() {
			code := hit(h, fmt.Sprintf("192.0.2.%d", i%20))
			assert.Equal(t, http.StatusOK, code)
		})
	}
	wg.Wait()
}

func TestClientLimitersDropIdle(t *testing.T) {
	l := newClientLimiters(1, 1, 10, zerolog.Nop())
	start := time.Now()

	l.allow("1.1.1.1", start)
	l.allow("2.2.2.2", start.Add(8*time.Minute))
	require.Equal(t, 2, l.len())

	l.dropIdle(start.Add(idleClientTTL + time.Minute))
	assert.Equal(t, 1, l.len())
	_, kept := l.byIP["2.2.2.2"]
	assert.True(t, kept)
}

func TestGetMaxTrackedIPs(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.APIConfig
		want int
	}{
		{"nil config", nil, 10000},
		{"no rate limit block", &config.APIConfig{}, 10000},
		{"negative", &config.APIConfig{RateLimit: &config.RateLimitConfig{MaxTrackedIPs: -1}}, 10000},
		{"explicit", &config.APIConfig{RateLimit: &config.RateLimitConfig{MaxTrackedIPs: 500}}, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.GetMaxTrackedIPs())
		})
	}
}

func TestRateLimitSweeperStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, done := RateLimitMiddleware(ctx, 100, 100, 100, zerolog.Nop())
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper still running after cancel")
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		origins    []string
		origin     string
		wantHeader string
		wantVary   bool
	}{
		{name: "not configured", origins: nil, origin: "https://shop.example", wantHeader: ""},
		{name: "listed origin echoed", origins: []string{"https://shop.example"}, origin: "https://shop.example", wantHeader: "https://shop.example", wantVary: true},
		{name: "unlisted origin", origins: []string{"https://shop.example"}, origin: "https://evil.example", wantHeader: ""},
		{name: "wildcard", origins: []string{"*"}, origin: "https://any.example", wantHeader: "*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := CORSMiddleware(tt.origins)(okHandler())
			r := httptest.NewRequest(http.MethodGet, "/pages/home", nil)
			r.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			assert.Equal(t, tt.wantHeader, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantVary, w.Header().Get("Vary") == "Origin")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := CORSMiddleware([]string{"https://shop.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	r := httptest.NewRequest(http.MethodOptions, "/pages/home", nil)
	r.Header.Set("Origin", "https://shop.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, called, "preflight must not reach the handler")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeadersMiddleware()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/p/home", nil))

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	csp := w.Header().Get("Content-Security-Policy")
	assert.Contains(t, csp, "frame-ancestors 'none'")
	assert.NotContains(t, csp, "unsafe-eval")
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{name: "direct peer", remote: "203.0.113.7:5000", want: "203.0.113.7"},
		{name: "untrusted peer ignores XFF", remote: "203.0.113.7:5000", xff: "198.51.100.1", want: "203.0.113.7"},
		{name: "proxy on loopback", remote: "127.0.0.1:5000", xff: "198.51.100.1, 10.0.0.2", want: "198.51.100.1"},
		{name: "proxy on private net", remote: "10.1.2.3:5000", xff: "198.51.100.9", want: "198.51.100.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, getClientIP(r))
		})
	}
}
