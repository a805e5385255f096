package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/alexprut/feedpipe/internal/cache"
	"github.com/alexprut/feedpipe/internal/config"
	"github.com/alexprut/feedpipe/internal/database"
	"github.com/alexprut/feedpipe/internal/fanout"
	"github.com/alexprut/feedpipe/internal/feed"
	"github.com/alexprut/feedpipe/internal/handlers"
	"github.com/alexprut/feedpipe/internal/logging"
	"github.com/alexprut/feedpipe/internal/queue"
	"github.com/alexprut/feedpipe/internal/timeline"
)

const sweepInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().
		Str("service", "feedpipe-server").
		Str("instance", cfg.InstanceID).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().Str("addr", cfg.Addr).Msg("starting")

	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	var rc *cache.RedisCache
	if cfg.UseSentinel() {
		rc, err = cache.NewRedisCache(ctx, cfg.RedisSentinelAddrs, cfg.RedisMasterName, cfg.RedisPassword, cfg.InstanceID)
	} else {
		rc, err = cache.NewRedisCacheSimple(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.InstanceID)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("connect to redis")
	}
	defer rc.Close()

	broker, err := queue.NewBroker(cfg.RabbitMQURL, cfg.InstanceID, cfg.WorkerCount, cfg.RoutingBuckets)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to rabbitmq")
	}
	defer broker.Close()

	store := timeline.NewStore(db.Pool(), cfg.MaxFeedSize)
	feedCache := cache.NewFeedCache(rc, cfg.BufferSize, cfg.FeedTTL, cfg.PostTTL, cfg.MessageTTL)
	publisher := fanout.NewPublisher(broker, store, feedCache, db.Pool(), cfg.PublishBatch, log)
	svc := feed.NewService(store, feedCache, publisher, log)

	mux := http.NewServeMux()
	handlers.NewFeedHandler(svc, log).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		hctx, hcancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer hcancel()
		if err := db.Health(hctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := broker.Health(hctx); err != nil {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Recovery sweep for fanout batches that failed after the post committed.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := publisher.Sweep(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("fanout sweep failed")
					continue
				}
				if swept > 0 {
					log.Info().Int("batches", swept).Msg("recovered fanout batches")
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server stopped")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("stopped")
}
