// Package server exposes pages over HTTP: the /pages JSON API, storefront
// previews under /p/, and the builder canvas with its websocket session.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/livetemplate/pagecraft/internal/auth"
	"github.com/livetemplate/pagecraft/internal/config"
	"github.com/livetemplate/pagecraft/internal/pages"
	"github.com/livetemplate/pagecraft/internal/render"
	"github.com/livetemplate/pagecraft/internal/store"
	"github.com/livetemplate/pagecraft/internal/telemetry"
)

// maxBodyBytes caps a page save request.
const maxBodyBytes = 4 << 20

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Config   *config.Config
	Pages    *pages.Service
	Renderer *render.Renderer
	Verifier *auth.Verifier
	Metrics  *telemetry.Metrics
	Logger   zerolog.Logger
}

// Server is the pagecraft HTTP server.
type Server struct {
	cfg      *config.Config
	pages    *pages.Service
	renderer *render.Renderer
	verifier *auth.Verifier
	metrics  *telemetry.Metrics
	log      zerolog.Logger

	router   chi.Router
	upgrader websocket.Upgrader

	sessMu   sync.Mutex
	sessions map[*session]struct{}

	watcher *store.Watcher

	bgCtx       context.Context
	bgCancel    context.CancelFunc
	limiterDone <-chan struct{}
}

// New creates a server and builds its routes.
func New(deps Deps) *Server {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	renderer := deps.Renderer
	if renderer == nil {
		renderer = render.New(render.WithLogger(deps.Logger), render.WithObserver(deps.Metrics))
	}
	verifier := deps.Verifier
	if verifier == nil {
		verifier = auth.NewVerifier(cfg.Auth.GetJWTSecret(), cfg.Auth.Issuer, telemetry.Component(deps.Logger, "auth"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		pages:    deps.Pages,
		renderer: renderer,
		verifier: verifier,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		sessions: make(map[*session]struct{}),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	if !verifier.Enabled() {
		s.log.Warn().Msg("auth.jwt_secret is empty: page writes are not authenticated")
	}

	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log, s.metrics))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware())

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	limit, done := RateLimitMiddleware(s.bgCtx,
		s.cfg.API.GetRateLimitRPS(), s.cfg.API.GetRateLimitBurst(), s.cfg.API.GetMaxTrackedIPs(),
		telemetry.Component(s.log, "ratelimit"))
	s.limiterDone = done

	r.Route("/pages", func(r chi.Router) {
		r.Use(CORSMiddleware(s.cfg.API.GetCORSOrigins()))
		r.Use(limit)
		r.Get("/{pageId}", s.handleGetPage)
		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Put("/{pageId}", s.handleSavePage)
			r.Post("/{pageId}", s.handleSavePage)
			r.Delete("/{pageId}", s.handleDeletePage)
		})
	})

	r.With(middleware.Compress(5, "text/html")).Get("/p/{pageId}", s.handlePreview)

	r.Route("/builder/{pageId}", func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.With(middleware.Compress(5, "text/html")).Get("/", s.handleBuilder)
		r.Get("/ws", s.handleBuilderWS)
	})

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"source": s.pages.Source().Name(),
	})
}

// checkOrigin accepts same-origin websocket upgrades and any origin listed
// under api.cors.origins. Debug mode accepts everything.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Server.Debug {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if ok, _ := originAllowed(s.cfg.API.GetCORSOrigins(), origin); ok {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// EnableWatch invalidates the page cache whenever a page file under dir
// changes outside the server.
func (s *Server) EnableWatch(dir string) error {
	w, err := store.NewWatcher(dir, func(pageID string) {
		s.log.Info().Str("page", pageID).Msg("page changed on disk, invalidating cache")
		s.pages.Invalidate()
	}, telemetry.Component(s.log, "watcher"))
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.Start()
	s.watcher = w
	return nil
}

// StopWatch stops the page file watcher, if any.
func (s *Server) StopWatch() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Stop()
	s.watcher = nil
	return err
}

// Run serves on addr until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info().Msg("shutting down")
	// Hijacked websocket connections are not tracked by Shutdown.
	s.closeSessions()
	return srv.Shutdown(shutdownCtx)
}

// Close stops background work and ends open builder sessions.
func (s *Server) Close() error {
	s.bgCancel()
	if s.limiterDone != nil {
		<-s.limiterDone
	}
	s.closeSessions()
	return s.StopWatch()
}

func (s *Server) addSession(sess *session) {
	s.sessMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessMu.Unlock()
	s.metrics.BuilderSessions(1)
}

func (s *Server) removeSession(sess *session) {
	s.sessMu.Lock()
	_, ok := s.sessions[sess]
	delete(s.sessions, sess)
	s.sessMu.Unlock()
	if ok {
		s.metrics.BuilderSessions(-1)
	}
}

func (s *Server) closeSessions() {
	s.sessMu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessMu.Unlock()
	for _, sess := range open {
		sess.close()
	}
}
