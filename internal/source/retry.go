package source

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/livetemplate/pagecraft"
)

// RetryConfig sets the backoff for backend calls. Zero Multiplier means 2.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryConfig retries three times starting at 100ms, capped at 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}
}

// RetryableFunc is one attempt at a backend call.
type RetryableFunc func(ctx context.Context) error

// WithRetry runs fn until it succeeds, fails with a non-retryable error, or
// exhausts cfg.MaxRetries. The error returned after the last attempt is
// marked non-retryable.
func WithRetry(ctx context.Context, source string, cfg RetryConfig, logger zerolog.Logger, fn RetryableFunc) error {
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err = fn(ctx); err == nil {
			if attempt > 0 {
				logger.Debug().Str("source", source).Int("attempt", attempt+1).Msg("backend call succeeded after retry")
			}
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := backoffDelay(attempt, cfg)
		logger.Warn().Err(err).Str("source", source).Int("attempt", attempt+1).Dur("delay", delay).Msg("backend call failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	logger.Error().Err(err).Str("source", source).Int("attempts", cfg.MaxRetries+1).Msg("backend call gave up")

	var se *SourceError
	if errors.As(err, &se) {
		se.Retryable = false
		return err
	}
	return &SourceError{Source: source, Operation: "fetch", Err: err}
}

// shouldRetry reports whether another attempt could succeed. Missing pages,
// invalid documents and rejected saves are answers, not outages.
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, pagecraft.ErrInvalidDocument) {
		return false
	}

	var (
		sourceErr  *SourceError
		httpErr    *HTTPError
		circuitErr *CircuitOpenError
		rejected   *RejectedError
	)
	switch {
	case errors.As(err, &sourceErr):
		return sourceErr.Retryable
	case errors.As(err, &httpErr):
		return httpErr.IsRetryable()
	case errors.As(err, &circuitErr), errors.As(err, &rejected):
		return false
	}
	return isRetryableError(err)
}

// backoffDelay grows exponentially per attempt up to MaxDelay, with jitter
// in [0.8, 1.2) so clients that failed together do not retry together.
func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(cfg.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay * (0.8 + rand.Float64()*0.4))
}
