package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/provgraph/internal/analytics"
	"github.com/gyaneshwarpardhi/provgraph/internal/api"
	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/engine"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/logger"
	"github.com/gyaneshwarpardhi/provgraph/internal/notify"
	"github.com/gyaneshwarpardhi/provgraph/internal/projection"
	"github.com/gyaneshwarpardhi/provgraph/internal/resolve"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and ingestion workers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address override")
	_ = v.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──────────────────────────────────────────────────────────
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("main")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// ── Storage and change feed ──────────────────────────────────────────────
	st, err := openStore(ctx, cfg.Storage, true)
	if err != nil {
		return err
	}
	defer st.Close()

	pub, err := notify.OpenPublisher(ctx, cfg.Notify.TopicURL)
	if err != nil {
		return err
	}
	defer pub.Close(context.Background())

	// ── Neo4j mirror ─────────────────────────────────────────────────────────
	if cfg.Projection.Enabled {
		// Subscribe before anything is published so no change is missed.
		sub, err := notify.OpenSubscriber(ctx, cfg.Notify.SubscriptionURL)
		if err != nil {
			return err
		}
		defer sub.Close(context.Background())

		proj, err := projection.Open(ctx, cfg.Projection, st)
		if err != nil {
			return err
		}
		defer proj.Close(context.Background())

		n, err := proj.Sync(ctx)
		if err != nil {
			return errors.Wrap(err, "initial projection sync")
		}
		log.Infow("Projection synced", "entities", n)
		go func() {
			if err := proj.Run(ctx, sub); err != nil && ctx.Err() == nil {
				log.Errorw("Projection stopped", "error", err)
			}
		}()
	}

	// ── Pipeline and engine ──────────────────────────────────────────────────
	c, err := buildPipeline(cfg, st, pub)
	if err != nil {
		return err
	}
	log.Infow("Pipeline built", "sources", len(cfg.Sources), "storage", cfg.Storage.Driver)
	eng := engine.New(ctx, c.pipeline, cfg.Engine)
	defer eng.Shutdown()

	var cache analytics.Cache = analytics.NopCache{}
	if cfg.Cache.RedisAddr != "" {
		rc := analytics.NewRedisCache(cfg.Cache)
		if err := rc.Ping(ctx); err != nil {
			log.Warnw("Redis unavailable, analytics cache disabled", "addr", cfg.Cache.RedisAddr, "error", err)
			rc.Close()
		} else {
			defer rc.Close()
			cache = rc
		}
	}
	agg := analytics.New(st, cache, analytics.OptionsFromConfig(cfg.Analytics, cfg.Cache))

	// ── Hot-reload watcher ───────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := c.registry.Swap(newCfg.Sources); err != nil {
			log.Warnw("Hot-reload skipped: schemas invalid", "error", err)
			return
		}
		c.resolver.SetOptions(resolve.OptionsFromConfig(newCfg.Resolution))
		log.Infow("Config hot-reloaded", "version", newCfg.Version, "sources", len(newCfg.Sources))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		log.Warnw("Config watcher unavailable (hot-reload disabled)", "error", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	handler := api.New(api.Deps{
		Engine:    eng,
		Analytics: agg,
		Loader:    loader,
		Sources:   c.registry,
		API:       cfg.API,
		Paging:    cfg.Analytics,
	})
	srv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("Server starting", "addr", cfg.API.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return errors.Wrap(err, "http server")
	}
	log.Info("Shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	eng.Shutdown()
	cancel()
	log.Info("Goodbye")
	return nil
}
