package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"lanlu-tracker/internal/api"
	"lanlu-tracker/internal/config"
	"lanlu-tracker/internal/events"
	"lanlu-tracker/internal/history"
	"lanlu-tracker/internal/poller"
	"lanlu-tracker/internal/queuestore"
	"lanlu-tracker/internal/ratelimit"
	"lanlu-tracker/internal/reconciler"
	"lanlu-tracker/internal/taskpool"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("connect redis: %v", err)
	}

	store := queuestore.NewStore(redisClient, cfg.QueueCap)
	bus := events.NewBus()
	client := taskpool.New(cfg.ServerBaseURL, cfg.HTTPTimeout)
	p := poller.New(bus, client, cfg.PollInterval, cfg.PollBatchSize)

	rec := reconciler.New(bus, store, cfg.FlushInterval)
	rec.OnFlush(p.UpdateEntries)
	rec.Start()
	defer rec.Stop()

	var hist *history.Sink
	if cfg.PostgresDSN != "" {
		var err error
		hist, err = history.New(ctx, cfg.PostgresDSN, store)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer hist.Close()
		if err := hist.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		hist.Attach(bus)
		defer hist.Detach(bus)
	}

	entries, err := store.List(ctx)
	if err != nil {
		log.Fatalf("load queue: %v", err)
	}
	p.Start(cfg.ServerAPIKey, entries)
	defer p.Stop()

	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(cfg, store, client, p, limiter, hist)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("tracker listening on :%s (poll=%s batch=%d entries=%d)", cfg.HTTPPort, cfg.PollInterval, cfg.PollBatchSize, len(entries))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
