package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/security"
	"github.com/livetemplate/pagecraft/internal/store"
)

func newTestRestSource(t *testing.T, url string, mutate ...func(*RestConfig)) *RestSource {
	t.Helper()
	cfg := RestConfig{
		Name:    "backend",
		BaseURL: url,
		Timeout: 2 * time.Second,
		Retry:   RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		Circuit: CircuitBreakerConfig{FailureThreshold: 10, SuccessThreshold: 1, Timeout: time.Minute, FailureWindow: time.Minute},
		// httptest listens on loopback.
		Policy: security.UpstreamPolicy{AllowPrivate: true},
		Logger: zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	src, err := NewRestSource(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

func TestNewRestSourceValidation(t *testing.T) {
	t.Setenv("TEST_BACKEND_URL", "https://backend.example.com")

	tests := []struct {
		name      string
		url       string
		policy    security.UpstreamPolicy
		wantErr   bool
		errReason string
	}{
		{name: "valid url", url: "https://backend.example.com"},
		{name: "empty url", url: "", wantErr: true, errReason: "url is required"},
		{name: "url with env var", url: "${TEST_BACKEND_URL}/api"},
		{name: "loopback blocked by default", url: "http://127.0.0.1:9000", wantErr: true, errReason: "loopback"},
		{name: "loopback allowed for development", url: "http://127.0.0.1:9000", policy: security.UpstreamPolicy{AllowPrivate: true}},
		{name: "unsupported scheme", url: "ftp://backend.example.com", wantErr: true, errReason: "scheme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewRestSource(RestConfig{Name: "test", BaseURL: tt.url, Policy: tt.policy, Logger: zerolog.Nop()})
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errReason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "test", src.Name())
		})
	}
}

func TestRestSourceFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/pages/home", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"), "reads are anonymous")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pageId":"home","version":"7","components":[
			{"id":"h1","kind":"heading","props":{"text":"Sale"},"children":[]}
		]}`))
	}))
	defer server.Close()

	src := newTestRestSource(t, server.URL, func(c *RestConfig) {
		c.Token = func(context.Context) string { return "secret" }
	})
	doc, err := src.Fetch(context.Background(), "home")
	require.NoError(t, err)

	assert.Equal(t, "home", doc.PageID)
	assert.Equal(t, pagecraft.Version("7"), doc.Version)
	require.Len(t, doc.Components, 1)
	assert.Equal(t, pagecraft.KindHeading, doc.Components[0].Kind)
	assert.Equal(t, "Sale", doc.Components[0].Props["text"])
}

func TestRestSourceFetchFillsMissingPageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":1,"components":[]}`))
	}))
	defer server.Close()

	doc, err := newTestRestSource(t, server.URL).Fetch(context.Background(), "landing")
	require.NoError(t, err)
	assert.Equal(t, "landing", doc.PageID)
	assert.Equal(t, pagecraft.Version("1"), doc.Version)
	assert.True(t, doc.IsEmpty())
}

func TestRestSourceFetch404(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := newTestRestSource(t, server.URL).Fetch(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load(), "404 is not retried")
}

func TestRestSourceFetch500Retries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestRestSource(t, server.URL).Fetch(context.Background(), "home")
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 500, httpErr.StatusCode)
	assert.Equal(t, "boom", httpErr.Body)
	assert.Equal(t, int32(3), calls.Load(), "1 attempt + 2 retries")
}

func TestRestSourceFetchRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"pageId":"home","version":"1","components":[]}`))
	}))
	defer server.Close()

	doc, err := newTestRestSource(t, server.URL).Fetch(context.Background(), "home")
	require.NoError(t, err)
	assert.Equal(t, pagecraft.Version("1"), doc.Version)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRestSourceFetchInvalidJSON(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"components": [`))
	}))
	defer server.Close()

	_, err := newTestRestSource(t, server.URL).Fetch(context.Background(), "home")
	require.Error(t, err)
	assert.ErrorIs(t, err, pagecraft.ErrInvalidDocument)

	var decodeErr *pagecraft.DecodeError
	assert.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, int32(1), calls.Load(), "malformed documents are not retried")
}

func TestRestSourceFetchDoesNotValidate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pageId":"home","components":[
			{"id":"a","kind":"text","props":{},"children":[]},
			{"id":"a","kind":"text","props":{},"children":[]}
		]}`))
	}))
	defer server.Close()

	doc, err := newTestRestSource(t, server.URL).Fetch(context.Background(), "home")
	require.NoError(t, err)
	assert.ErrorIs(t, pagecraft.Validate(doc), pagecraft.ErrDuplicateID)
}

func TestRestSourceSave(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/pages/home", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Components []json.RawMessage `json:"components"`
			Version    string            `json:"version"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "5", body.Version)
		assert.Len(t, body.Components, 1)

		w.Write([]byte(`{"version":"6"}`))
	}))
	defer server.Close()

	src := newTestRestSource(t, server.URL, func(c *RestConfig) {
		c.Token = func(context.Context) string { return "secret" }
	})
	doc := &pagecraft.PageDocument{
		PageID:     "home",
		Version:    "5",
		Components: []pagecraft.ComponentNode{{ID: "t1", Kind: pagecraft.KindText, Props: pagecraft.Props{"text": "hi"}}},
	}

	version, err := src.Save(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, pagecraft.Version("6"), version)
}

func TestRestSourceSaveEmptyDocumentSendsArray(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"components":[],"version":""}`, string(body))
		w.Write([]byte(`{"version":"1"}`))
	}))
	defer server.Close()

	version, err := newTestRestSource(t, server.URL).Save(context.Background(), pagecraft.NewDocument("fresh"))
	require.NoError(t, err)
	assert.Equal(t, pagecraft.Version("1"), version)
}

func TestRestSourceSaveConflict(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"version conflict","version":"6"}`))
	}))
	defer server.Close()

	doc := &pagecraft.PageDocument{PageID: "home", Version: "5"}
	_, err := newTestRestSource(t, server.URL).Save(context.Background(), doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	var conflict *store.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, pagecraft.Version("5"), conflict.Expected)
	assert.Equal(t, pagecraft.Version("6"), conflict.Actual)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRestSourceSaveRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"duplicate node id","code":"DuplicateId","nodeId":"h1"}`))
	}))
	defer server.Close()

	_, err := newTestRestSource(t, server.URL).Save(context.Background(), &pagecraft.PageDocument{PageID: "home"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pagecraft.ErrDuplicateID)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "h1", rejected.NodeID)
	assert.Equal(t, pagecraft.CodeDuplicateID, rejected.Code)
}

func TestRestSourceSaveRejectedPlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad page", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestRestSource(t, server.URL).Save(context.Background(), &pagecraft.PageDocument{PageID: "home"})
	assert.ErrorIs(t, err, pagecraft.ErrInvalidDocument)
	assert.Contains(t, err.Error(), "bad page")
}

func TestRestSourceSaveIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestRestSource(t, server.URL).Save(context.Background(), &pagecraft.PageDocument{PageID: "home"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRestSourceDelete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if r.URL.Path == "/pages/gone" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	src := newTestRestSource(t, server.URL)
	require.NoError(t, src.Delete(context.Background(), "home"))
	assert.ErrorIs(t, src.Delete(context.Background(), "gone"), ErrNotFound)
}

func TestRestSourceHeaders(t *testing.T) {
	t.Setenv("TEST_TENANT", "acme")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme", r.Header.Get("X-Tenant"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{"components":[]}`))
	}))
	defer server.Close()

	src := newTestRestSource(t, server.URL, func(c *RestConfig) {
		c.Headers = map[string]string{"X-Tenant": "${TEST_TENANT}"}
	})
	_, err := src.Fetch(context.Background(), "home")
	require.NoError(t, err)
}

func TestRestSourcePageIDIsEscaped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pages/a%2Fb", r.URL.EscapedPath())
		w.Write([]byte(`{"components":[]}`))
	}))
	defer server.Close()

	_, err := newTestRestSource(t, server.URL).Fetch(context.Background(), "a/b")
	require.NoError(t, err)
}

func TestRestSourceTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"components":[]}`))
	}))
	defer server.Close()

	src := newTestRestSource(t, server.URL, func(c *RestConfig) {
		c.Timeout = 20 * time.Millisecond
		c.Retry = RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond}
	})
	_, err := src.Fetch(context.Background(), "home")
	require.Error(t, err)

	var timeoutErr *TimeoutError
	assert.True(t, errors.As(err, &timeoutErr), "got %T: %v", err, err)
}

func TestRestSourceCircuitOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	src := newTestRestSource(t, server.URL, func(c *RestConfig) {
		c.Retry = RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond}
		c.Circuit = CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, FailureWindow: time.Minute}
	})

	for i := 0; i < 2; i++ {
		_, err := src.Fetch(context.Background(), "home")
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, src.CircuitState())

	_, err := src.Fetch(context.Background(), "home")
	var circuitErr *CircuitOpenError
	assert.True(t, errors.As(err, &circuitErr))
	assert.Equal(t, int32(2), calls.Load(), "open circuit short-circuits the request")
}

func TestStoreSource(t *testing.T) {
	ctx := context.Background()
	src := NewStoreSource("local", store.NewMemoryStore())
	defer src.Close()

	assert.Equal(t, "local", src.Name())

	_, err := src.Fetch(ctx, "home")
	assert.ErrorIs(t, err, ErrNotFound)

	doc := pagecraft.NewDocument("home")
	doc.Components = []pagecraft.ComponentNode{{ID: "t1", Kind: pagecraft.KindText}}
	v1, err := src.Save(ctx, doc)
	require.NoError(t, err)

	got, err := src.Fetch(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, v1, got.Version)

	_, err = src.Save(ctx, doc) // stale: version still empty
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	require.NoError(t, src.Delete(ctx, "home"))
	assert.ErrorIs(t, src.Delete(ctx, "home"), ErrNotFound)
}
