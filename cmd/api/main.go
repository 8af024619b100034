package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vidgen/internal/api"
	"vidgen/internal/archive"
	"vidgen/internal/cache"
	"vidgen/internal/config"
	"vidgen/internal/kv"
	"vidgen/internal/lifecycle"
	"vidgen/internal/monitor"
	"vidgen/internal/queue"
	"vidgen/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	rdb := kv.NewClient(cfg)
	if err := kv.Ping(ctx, rdb); err != nil {
		log.Fatal("redis unreachable", zap.Error(err))
	}

	var arch lifecycle.Archiver
	if cfg.PostgresDSN != "" {
		pg, err := archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("connect archive", zap.Error(err))
		}
		defer pg.Close()
		arch = pg
	}

	q := queue.New(rdb)
	c := cache.New(rdb, cfg.CacheSlowOpThreshold, log)
	jobs := lifecycle.New(rdb, q, c, arch, cfg, log)
	mon := monitor.New(c, q, monitor.DefaultThresholds(), 100, log)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(jobs, q, c, mon, limiter, log)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	log.Info("api listening", zap.String("addr", cfg.HTTPAddr))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
