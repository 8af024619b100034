package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"vidgen/internal/archive"
	"vidgen/internal/cache"
	"vidgen/internal/config"
	"vidgen/internal/kv"
	"vidgen/internal/lifecycle"
	"vidgen/internal/monitor"
	"vidgen/internal/queue"
	"vidgen/internal/sweeper"
	"vidgen/internal/telemetry"
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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go mon.Run(ctx, cfg.MonitorInterval)

	log.Info("sweeper started",
		zap.Duration("interval", cfg.SweepInterval),
		zap.Duration("stale_timeout", cfg.StaleTimeout),
		zap.Int("retention_days", cfg.RetentionDays))
	if err := sweeper.New(jobs, cfg.SweepInterval, log).Run(ctx); err != nil {
		log.Info("sweeper stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
