package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/security"
	"github.com/livetemplate/pagecraft/internal/store"
)

const maxResponseSize = 10 * 1024 * 1024 // 10MB

// RestConfig configures a RestSource.
type RestConfig struct {
	Name    string
	BaseURL string            // e.g. https://backend.example.com; /pages/{id} is appended
	Headers map[string]string // Sent on every request, values are env-expanded
	// Token returns the bearer token for writes. Nil sends no Authorization
	// header unless Headers sets one.
	Token   func(ctx context.Context) string
	Timeout time.Duration
	Retry   RetryConfig
	Circuit CircuitBreakerConfig
	Policy  security.UpstreamPolicy
	Logger  zerolog.Logger
	Client  *http.Client
}

// RestSource talks to a page backend over HTTP:
//
//	GET    /pages/{id} -> 200 {pageId, components, version} | 404
//	PUT    /pages/{id} {components, version} -> 200 {version} | 409 | 400 {error, code, nodeId}
//	DELETE /pages/{id} -> 204 | 404
//
// Reads are retried with exponential backoff. Writes go through the circuit
// breaker but are not retried: a save whose response was lost would be
// applied twice.
type RestSource struct {
	name           string
	baseURL        string
	headers        map[string]string
	token          func(ctx context.Context) string
	timeout        time.Duration
	client         *http.Client
	retryConfig    RetryConfig
	circuitBreaker *CircuitBreaker
	logger         zerolog.Logger
}

// NewRestSource creates a REST page source.
func NewRestSource(cfg RestConfig) (*RestSource, error) {
	name := cfg.Name
	if name == "" {
		name = "rest"
	}
	if cfg.BaseURL == "" {
		return nil, &SourceError{Source: name, Operation: "configure", Err: errors.New("url is required")}
	}

	base := strings.TrimRight(os.ExpandEnv(cfg.BaseURL), "/")
	if err := security.ValidateUpstreamURL(base, cfg.Policy); err != nil {
		return nil, &SourceError{Source: name, Operation: "configure", Err: err}
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = os.ExpandEnv(v)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := cfg.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}
	circuit := cfg.Circuit
	if circuit == (CircuitBreakerConfig{}) {
		circuit = DefaultCircuitBreakerConfig()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &RestSource{
		name:           name,
		baseURL:        base,
		headers:        headers,
		token:          cfg.Token,
		timeout:        timeout,
		client:         client,
		retryConfig:    retry,
		circuitBreaker: NewCircuitBreaker(name, circuit, cfg.Logger),
		logger:         cfg.Logger,
	}, nil
}

// Name returns the source identifier
func (s *RestSource) Name() string {
	return s.name
}

// CircuitState reports the breaker state, for health checks.
func (s *RestSource) CircuitState() CircuitState {
	return s.circuitBreaker.State()
}

func (s *RestSource) pageURL(pageID string) string {
	return s.baseURL + "/pages/" + url.PathEscape(pageID)
}

// Fetch implements Source.
func (s *RestSource) Fetch(ctx context.Context, pageID string) (*pagecraft.PageDocument, error) {
	var doc *pagecraft.PageDocument
	err := s.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return WithRetry(ctx, s.name, s.retryConfig, s.logger, func(ctx context.Context) error {
			d, err := s.doFetch(ctx, pageID)
			if err != nil {
				return err
			}
			doc = d
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *RestSource) doFetch(ctx context.Context, pageID string) (*pagecraft.PageDocument, error) {
	resp, err := s.do(ctx, http.MethodGet, pageID, nil, "fetch")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, s.httpError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &SourceError{Source: s.name, Operation: "read response", Err: err}
	}

	doc, err := pagecraft.Decode(body)
	if err != nil {
		return nil, &SourceError{Source: s.name, Operation: "decode", Err: err}
	}
	if doc.PageID == "" {
		doc.PageID = pageID
	}
	return doc, nil
}

type saveRequest struct {
	Components []pagecraft.ComponentNode `json:"components"`
	Version    pagecraft.Version         `json:"version"`
}

type saveResponse struct {
	Version pagecraft.Version `json:"version"`
}

type errorResponse struct {
	Error   string            `json:"error"`
	Code    pagecraft.Code    `json:"code"`
	NodeID  string            `json:"nodeId"`
	Version pagecraft.Version `json:"version"`
}

// Save implements Source.
func (s *RestSource) Save(ctx context.Context, doc *pagecraft.PageDocument) (pagecraft.Version, error) {
	components := doc.Components
	if components == nil {
		components = []pagecraft.ComponentNode{}
	}
	payload, err := json.Marshal(saveRequest{Components: components, Version: doc.Version})
	if err != nil {
		return "", &SourceError{Source: s.name, Operation: "encode", Err: err}
	}

	var version pagecraft.Version
	err = s.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := s.do(ctx, http.MethodPut, doc.PageID, payload, "save")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusConflict:
			er := s.readErrorBody(resp)
			return &store.VersionConflictError{PageID: doc.PageID, Expected: doc.Version, Actual: er.Version}
		case resp.StatusCode == http.StatusBadRequest:
			er := s.readErrorBody(resp)
			return &RejectedError{Source: s.name, Code: er.Code, NodeID: er.NodeID, Reason: er.Error}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return s.httpError(resp)
		}

		var out saveResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
			return &SourceError{Source: s.name, Operation: "decode save response", Err: err}
		}
		if out.Version == "" {
			return &SourceError{Source: s.name, Operation: "save", Err: errors.New("response carried no version")}
		}
		version = out.Version
		return nil
	})
	if err != nil {
		return "", err
	}
	return version, nil
}

// Delete implements Source.
func (s *RestSource) Delete(ctx context.Context, pageID string) error {
	return s.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := s.do(ctx, http.MethodDelete, pageID, nil, "delete")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return s.httpError(resp)
		}
		return nil
	})
}

// do sends one request and classifies transport failures.
func (s *RestSource) do(ctx context.Context, method, pageID string, body []byte, op string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.pageURL(pageID), reader)
	if err != nil {
		return nil, &SourceError{Source: s.name, Operation: "create request", Err: err}
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}
	if method != http.MethodGet && s.token != nil {
		if tok := s.token(ctx); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.transportError(ctx, op, err)
	}
	return resp, nil
}

func (s *RestSource) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() == context.Canceled {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Source: s.name, Operation: op, Duration: s.timeout.String()}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &ConnectionError{Source: s.name, Address: s.baseURL, Err: err}
	}
	return NewSourceError(s.name, op, err)
}

func (s *RestSource) httpError(resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &HTTPError{
		Source:     s.name,
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Body:       strings.TrimSpace(string(body)),
	}
}

func (s *RestSource) readErrorBody(resp *http.Response) errorResponse {
	var er errorResponse
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil {
		if jerr := json.Unmarshal(data, &er); jerr != nil {
			er.Error = strings.TrimSpace(string(data))
		}
	}
	if er.Code == "" && resp.StatusCode == http.StatusBadRequest {
		er.Code = pagecraft.CodeInvalidDocument
	}
	return er
}

// Close releases idle connections.
func (s *RestSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var _ Source = (*RestSource)(nil)

// String describes the source for logs.
func (s *RestSource) String() string {
	return fmt.Sprintf("rest(%s)", s.baseURL)
}
