package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/livetemplate/pagecraft/internal/cache"
	"github.com/livetemplate/pagecraft/internal/pages"
	"github.com/livetemplate/pagecraft/internal/server"
	"github.com/livetemplate/pagecraft/internal/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		port  int
		host  string
		watch bool
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the page server",
		Long: `Serve storefront previews under /p/{pageId}, the JSON API under
/pages/{pageId} and the builder under /builder/{pageId}/.`,
		Example: `  # Serve pages from ./pages with live reload
  pagecraft serve

  # Use a config file and a different port
  pagecraft serve -c prod.yaml --port 9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// CLI flags override config
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("watch") {
				cfg.Store.Watch = &watch
			}
			if cmd.Flags().Changed("debug") {
				cfg.Server.Debug = debug
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, logCloser, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: cfg.Logging.Output,
			})
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			defer logCloser.Close()

			metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:   cfg.Metrics.Enabled,
				Namespace: cfg.Metrics.GetNamespace(),
			})
			tracing, err := telemetry.NewTracing(telemetry.TracingConfig{
				Exporter: cfg.Tracing.GetExporter(),
				Writer:   os.Stdout,
			}, "pagecraft")
			if err != nil {
				return fmt.Errorf("failed to set up tracing: %w", err)
			}
			defer tracing.Shutdown(context.Background())

			src, err := openSource(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer src.Close()

			bus, err := openBus(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to connect invalidation bus: %w", err)
			}
			defer bus.Close()

			var pageCache cache.Cache
			if cfg.Cache.IsEnabled() {
				mc := cache.NewMemoryCache()
				defer mc.Stop()
				pageCache = mc
			}

			svc := pages.NewService(src, pageCache, pages.Options{
				TTL:          cfg.Cache.GetTTL(),
				Strategy:     cfg.Cache.GetStrategy(),
				MaxDepth:     cfg.Model.MaxDepth,
				FetchTimeout: cfg.Source.GetTimeout(),
				Bus:          bus,
				Logger:       telemetry.Component(logger, "pages"),
				Metrics:      metrics,
				Tracer:       tracing.Tracer("pagecraft/pages"),
			})
			defer svc.Close()
			if err := svc.Start(ctx); err != nil {
				return fmt.Errorf("failed to subscribe to invalidations: %w", err)
			}

			srv := server.New(server.Deps{
				Config:  cfg,
				Pages:   svc,
				Metrics: metrics,
				Logger:  telemetry.Component(logger, "server"),
			})
			defer srv.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pagecraft server\n\n")
			fmt.Fprintf(out, "Source: %s (%s)\n", cfg.Source.GetType(), src.Name())
			if cfg.Source.GetType() == "store" && cfg.Store.GetDriver() == "file" {
				fmt.Fprintf(out, "Pages:  %s\n", cfg.Store.GetPath())
				if cfg.Store.IsWatchEnabled() {
					if err := srv.EnableWatch(cfg.Store.GetPath()); err != nil {
						return fmt.Errorf("failed to enable watch mode: %w", err)
					}
					fmt.Fprintf(out, "Watch mode enabled - edits to page files are picked up without a restart\n")
				}
			}
			if cfg.Cache.IsEnabled() {
				fmt.Fprintf(out, "Cache:  %s, ttl %s\n", cfg.Cache.GetStrategy(), cfg.Cache.GetTTL())
			}
			if !cfg.Auth.IsEnabled() {
				fmt.Fprintf(out, "Warning: auth.jwt_secret is not set, anyone can edit pages\n")
			}
			addr := cfg.Server.Addr()
			fmt.Fprintf(out, "\nServer running at http://%s\n", addr)
			fmt.Fprintf(out, "  preview  http://%s/p/{pageId}\n", addr)
			fmt.Fprintf(out, "  builder  http://%s/builder/{pageId}/\n", addr)
			fmt.Fprintf(out, "Press Ctrl+C to stop\n\n")

			return srv.Run(ctx, addr)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "listen port")
	cmd.Flags().StringVar(&host, "host", "localhost", "listen host")
	cmd.Flags().BoolVarP(&watch, "watch", "w", true, "reload pages when files under store.path change")
	cmd.Flags().BoolVar(&debug, "debug", false, "accept builder connections from any origin")

	return cmd
}
