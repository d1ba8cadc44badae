package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/livetemplate/pagecraft/internal/cache"
	"github.com/livetemplate/pagecraft/internal/config"
	"github.com/livetemplate/pagecraft/internal/security"
	"github.com/livetemplate/pagecraft/internal/source"
	"github.com/livetemplate/pagecraft/internal/store"
	"github.com/livetemplate/pagecraft/internal/telemetry"
)

// openStore opens the store selected by store.driver.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch driver := cfg.Store.GetDriver(); driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "file":
		return store.NewFileStore(cfg.Store.GetPath())
	case "sqlite":
		return store.NewSQLiteStore(ctx, cfg.Store.GetDSN())
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.GetDSN())
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// openSource builds the page backend selected by source.type.
func openSource(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (source.Source, error) {
	switch typ := cfg.Source.GetType(); typ {
	case "store":
		st, err := openStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Store.GetDriver(), err)
		}
		return source.NewStoreSource(cfg.Store.GetDriver(), st), nil

	case "rest":
		var token func(context.Context) string
		if t := cfg.Source.GetToken(); t != "" {
			token = func(context.Context) string { return t }
		}
		retry := source.DefaultRetryConfig()
		retry.MaxRetries = cfg.Source.GetRetryMaxRetries()
		retry.BaseDelay = cfg.Source.GetRetryBaseDelay()
		retry.MaxDelay = cfg.Source.GetRetryMaxDelay()

		return source.NewRestSource(source.RestConfig{
			Name:    "backend",
			BaseURL: cfg.Source.URL,
			Headers: cfg.Source.Headers,
			Token:   token,
			Timeout: cfg.Source.GetTimeout(),
			Retry:   retry,
			Circuit: source.DefaultCircuitBreakerConfig(),
			Policy:  security.UpstreamPolicy{AllowPrivate: cfg.Source.AllowPrivate},
			Logger:  telemetry.Component(logger, "source"),
		})

	default:
		return nil, fmt.Errorf("unknown source type %q", typ)
	}
}

// openBus returns the Redis bus when invalidation.redis_addr is set and an
// in-process bus otherwise.
func openBus(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Bus, error) {
	if !cfg.Invalidation.IsRedisEnabled() {
		return cache.NewLocalBus(), nil
	}
	return cache.NewRedisBus(ctx, cache.RedisBusConfig{
		Addr:     cfg.Invalidation.RedisAddr,
		Password: cfg.Invalidation.GetRedisPassword(),
		Channel:  cfg.Invalidation.Channel,
	}, telemetry.Component(logger, "bus"))
}
