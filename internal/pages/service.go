// Package pages fetches page documents for rendering and saves them back.
//
// FetchPage reports every outcome as a Result: a validated document, a
// first-class NotFound, or an error with a Reason. Fetched documents are
// cached per page id; any save, delete or bus message wipes the whole cache.
// Concurrent misses for one page share a single backend request.
package pages

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/cache"
	"github.com/livetemplate/pagecraft/internal/source"
	"github.com/livetemplate/pagecraft/internal/store"
	"github.com/livetemplate/pagecraft/internal/telemetry"
)

// Cache strategies.
const (
	StrategySimple               = "simple"
	StrategyStaleWhileRevalidate = "stale-while-revalidate"
)

// Options configures a Service. The zero value caches nothing.
type Options struct {
	// TTL is the maximum age of a cached page. Zero disables caching.
	TTL time.Duration
	// Strategy is simple or stale-while-revalidate. With the latter a page is
	// fresh for half the TTL, then served stale while a background fetch
	// refreshes it.
	Strategy string
	// MaxDepth caps nesting depth when validating fetched and saved pages.
	MaxDepth int
	// FetchTimeout bounds one backend request shared by concurrent callers.
	FetchTimeout time.Duration

	Bus     cache.Bus
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// Service is the page fetch and cache service.
type Service struct {
	src   source.Source
	cache cache.Cache
	opts  Options

	log     zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	group singleflight.Group

	mu           sync.Mutex
	revalidating map[string]bool

	// bgCtx outlives callers; Close cancels it.
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewService creates a service reading from src and caching in c. c may be
// nil when opts.TTL is zero.
func NewService(src source.Source, c cache.Cache, opts Options) *Service {
	if opts.Strategy == "" {
		opts.Strategy = StrategySimple
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if c == nil {
		opts.TTL = 0
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("pagecraft/pages")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		src:          src,
		cache:        c,
		opts:         opts,
		log:          telemetry.Component(opts.Logger, "pages"),
		metrics:      opts.Metrics,
		tracer:       tracer,
		revalidating: make(map[string]bool),
		bgCtx:        ctx,
		bgCancel:     cancel,
	}
}

// Start subscribes to the invalidation bus. Without a bus it does nothing.
func (s *Service) Start(ctx context.Context) error {
	if s.opts.Bus == nil {
		return nil
	}
	return s.opts.Bus.Subscribe(ctx, func(msg cache.Invalidation) {
		s.log.Debug().Str("page", msg.PageID).Str("origin", msg.Origin).Msg("invalidation received")
		s.Invalidate()
	})
}

// FetchPage returns the page for pageID, from cache when possible.
func (s *Service) FetchPage(ctx context.Context, pageID string) Result {
	ctx, span := s.tracer.Start(ctx, "pages.FetchPage", trace.WithAttributes(attribute.String("page.id", pageID)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return s.finish(span, Failed(err))
	}

	if s.caching() {
		doc, found, stale := s.cache.Get(pageID)
		if found {
			if stale {
				s.metrics.CacheLookup("stale")
				if s.opts.Strategy == StrategyStaleWhileRevalidate {
					// The reader gets the stale page now; the next one gets the refetch.
					go s.revalidateInBackground(pageID)
				}
			} else {
				s.metrics.CacheLookup("hit")
			}
			span.SetAttributes(attribute.Bool("cache.hit", true))
			res := resultFor(doc)
			res.Stale = stale
			return s.finish(span, res)
		}
		s.metrics.CacheLookup("miss")
	}

	return s.finish(span, s.fetchShared(ctx, pageID))
}

// Refresh fetches pageID from the backend, skipping the cache, and caches the
// outcome. It backs the retry link of the error banner.
func (s *Service) Refresh(ctx context.Context, pageID string) Result {
	ctx, span := s.tracer.Start(ctx, "pages.Refresh", trace.WithAttributes(attribute.String("page.id", pageID)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return s.finish(span, Failed(err))
	}
	if s.caching() {
		s.cache.Invalidate(pageID)
	}
	// Start a new backend request rather than joining one that may predate
	// the latest save.
	s.group.Forget(pageID)
	return s.finish(span, s.fetchShared(ctx, pageID))
}

// fetchShared joins or starts the backend request for pageID and waits for it
// or for ctx, whichever comes first. A caller that gives up does not cancel
// the request for the others.
func (s *Service) fetchShared(ctx context.Context, pageID string) Result {
	ch := s.group.DoChan(pageID, func() (any, error) {
		fctx, cancel := s.sharedContext(ctx)
		defer cancel()
		return s.load(fctx, pageID), nil
	})

	select {
	case r := <-ch:
		return r.Val.(Result)
	case <-ctx.Done():
		return Failed(ctx.Err())
	}
}

func (s *Service) sharedContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.opts.FetchTimeout)
	stop := context.AfterFunc(s.bgCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// load performs one backend fetch, validates the page and caches the outcome.
// Errors are not cached.
func (s *Service) load(ctx context.Context, pageID string) Result {
	start := time.Now()
	var gen uint64
	if s.caching() {
		gen = s.cache.Generation()
	}

	doc, err := s.src.Fetch(ctx, pageID)
	switch {
	case errors.Is(err, source.ErrNotFound):
		s.store(gen, pageID, nil)
		s.metrics.ObserveFetch(StatusNotFound.String(), time.Since(start))
		return NotFound()

	case err != nil:
		res := Failed(err)
		s.log.Warn().Err(err).Str("page", pageID).Str("reason", string(res.Reason)).Msg("page fetch failed")
		s.metrics.ObserveFetch(StatusError.String(), time.Since(start))
		return res
	}

	if doc.PageID == "" {
		doc.PageID = pageID
	}
	if err := pagecraft.ValidateWith(doc, pagecraft.ValidateOptions{MaxDepth: s.opts.MaxDepth}); err != nil {
		s.log.Error().Err(err).Str("page", pageID).Msg("backend returned an invalid page")
		s.metrics.ObserveFetch(StatusError.String(), time.Since(start))
		return Result{Status: StatusError, Reason: ReasonInvalidDocument, Err: err}
	}

	s.store(gen, pageID, doc)
	s.metrics.ObserveFetch(StatusFound.String(), time.Since(start))
	return Found(doc)
}

func (s *Service) store(gen uint64, pageID string, doc *pagecraft.PageDocument) {
	if !s.caching() {
		return
	}
	staleAfter := s.opts.TTL
	if s.opts.Strategy == StrategyStaleWhileRevalidate {
		// Second half of the TTL is the stale window.
		staleAfter = s.opts.TTL / 2
	}
	if !s.cache.SetIfGeneration(gen, pageID, doc, staleAfter, s.opts.TTL) {
		s.log.Debug().Str("page", pageID).Msg("cache invalidated during fetch, result not cached")
	}
}

// revalidateInBackground refreshes a stale page. Only one revalidation per
// page runs at a time.
func (s *Service) revalidateInBackground(pageID string) {
	s.mu.Lock()
	if s.revalidating[pageID] {
		s.mu.Unlock()
		return
	}
	s.revalidating[pageID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.revalidating, pageID)
		s.mu.Unlock()
	}()

	res := s.fetchShared(s.bgCtx, pageID)
	if res.Status == StatusError && s.bgCtx.Err() == nil {
		s.log.Warn().Err(res.Err).Str("page", pageID).Msg("background revalidation failed")
	}
}

// SavePage validates doc and writes it through the source, using doc.Version
// as the expected stored version. On success the cache is wiped and other
// instances are told to do the same.
func (s *Service) SavePage(ctx context.Context, doc *pagecraft.PageDocument) (pagecraft.Version, error) {
	if doc == nil {
		return "", pagecraft.ErrInvalidDocument
	}
	ctx, span := s.tracer.Start(ctx, "pages.SavePage", trace.WithAttributes(
		attribute.String("page.id", doc.PageID),
		attribute.String("page.version", doc.Version.String()),
	))
	defer span.End()

	if err := pagecraft.ValidateWith(doc, pagecraft.ValidateOptions{MaxDepth: s.opts.MaxDepth}); err != nil {
		s.metrics.Save("invalid")
		recordError(span, err)
		return "", err
	}

	version, err := s.src.Save(ctx, doc)
	if err != nil {
		recordError(span, err)
		if errors.Is(err, store.ErrVersionConflict) {
			s.metrics.Save("conflict")
			s.log.Info().Str("page", doc.PageID).Str("version", doc.Version.String()).Msg("save refused: version conflict")
			// Whatever is cached for this page is older than the backend.
			s.Invalidate()
			return "", err
		}
		s.metrics.Save("error")
		s.log.Error().Err(err).Str("page", doc.PageID).Msg("save failed")
		return "", err
	}

	s.metrics.Save("ok")
	span.SetAttributes(attribute.String("page.new_version", version.String()))
	s.log.Info().Str("page", doc.PageID).Str("version", version.String()).Msg("page saved")
	s.changed(ctx, doc.PageID, version)
	return version, nil
}

// DeletePage removes pageID from the backend and wipes the cache.
func (s *Service) DeletePage(ctx context.Context, pageID string) error {
	ctx, span := s.tracer.Start(ctx, "pages.DeletePage", trace.WithAttributes(attribute.String("page.id", pageID)))
	defer span.End()

	if err := s.src.Delete(ctx, pageID); err != nil {
		recordError(span, err)
		return err
	}
	s.log.Info().Str("page", pageID).Msg("page deleted")
	s.changed(ctx, pageID, "")
	return nil
}

func (s *Service) changed(ctx context.Context, pageID string, version pagecraft.Version) {
	s.Invalidate()
	s.group.Forget(pageID)
	if s.opts.Bus == nil {
		return
	}
	msg := cache.Invalidation{PageID: pageID, Version: version.String()}
	if err := s.opts.Bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		s.log.Warn().Err(err).Str("page", pageID).Msg("publish invalidation failed")
	}
}

// Invalidate wipes the whole cache.
func (s *Service) Invalidate() {
	if s.cache != nil {
		s.cache.InvalidateAll()
	}
}

// Source returns the backend the service reads from.
func (s *Service) Source() source.Source {
	return s.src
}

// Close cancels background revalidations and in-flight shared fetches. It
// does not close the source.
func (s *Service) Close() error {
	s.bgCancel()
	return nil
}

func (s *Service) caching() bool {
	return s.cache != nil && s.opts.TTL > 0
}

func (s *Service) finish(span trace.Span, res Result) Result {
	span.SetAttributes(attribute.String("page.status", res.Status.String()))
	if res.Status == StatusError {
		span.SetAttributes(attribute.String("page.error_reason", string(res.Reason)))
		recordError(span, res.Err)
	}
	return res
}

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func resultFor(doc *pagecraft.PageDocument) Result {
	if doc == nil {
		return NotFound()
	}
	return Found(doc)
}
