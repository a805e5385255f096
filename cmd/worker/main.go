package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/alexprut/feedpipe/internal/cache"
	"github.com/alexprut/feedpipe/internal/config"
	"github.com/alexprut/feedpipe/internal/database"
	"github.com/alexprut/feedpipe/internal/logging"
	"github.com/alexprut/feedpipe/internal/queue"
	"github.com/alexprut/feedpipe/internal/timeline"
	"github.com/alexprut/feedpipe/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		os.Stderr.WriteString("usage: worker <worker_id>\n")
		os.Exit(2)
	}
	workerID, err := strconv.Atoi(os.Args[1])
	if err != nil || workerID < 0 {
		os.Stderr.WriteString("worker_id must be a non-negative integer\n")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if workerID >= cfg.WorkerCount {
		os.Stderr.WriteString("worker_id out of range\n")
		os.Exit(2)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().
		Str("service", "feedpipe-worker").
		Str("instance", cfg.InstanceID).
		Int("worker_id", workerID).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info().Str("queue", queue.QueueName(workerID)).Msg("starting")

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
	w := worker.New(workerID, store, feedCache, broker, 0, log)

	deliveries, err := broker.Consume(workerID, cfg.PrefetchCount)
	if err != nil {
		log.Fatal().Err(err).Msg("open consumer")
	}

	// Health and metrics sidecar endpoint.
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		hctx, hcancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer hcancel()
		if err := broker.Health(hctx); err != nil {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := db.Health(hctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	healthSrv := &http.Server{Addr: cfg.HealthAddr, Handler: mux}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server")
		}
	}()
	defer healthSrv.Close()

	// Exit on broker connection loss; the supervisor restarts us.
	connLost := broker.NotifyClose()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-connLost:
			log.Error().Err(err).Msg("broker connection lost")
		}
		cancel()
	}()

	if err := w.Run(ctx, deliveries); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
	log.Info().Msg("stopped")
}
