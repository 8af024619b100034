package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds shared runtime configuration for the API and sweeper services.
type Config struct {
	Env         string `env:"APP_ENV" envDefault:"dev"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`

	// PostgresDSN is optional; when empty the retention sweep deletes
	// expired jobs without archiving them.
	PostgresDSN string `env:"POSTGRES_DSN"`

	BaseRenderTime  time.Duration `env:"BASE_RENDER_TIME" envDefault:"90s"`
	MaxRetries      int           `env:"MAX_RETRIES" envDefault:"3"`
	StaleTimeout    time.Duration `env:"STALE_TIMEOUT" envDefault:"60m"`
	RetentionDays   int           `env:"RETENTION_DAYS" envDefault:"7"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	MonitorInterval time.Duration `env:"MONITOR_INTERVAL" envDefault:"1m"`

	CacheSlowOpThreshold time.Duration `env:"CACHE_SLOW_OP_THRESHOLD" envDefault:"100ms"`

	RateLimitCapacity int     `env:"RATE_LIMIT_CAPACITY" envDefault:"50"`
	RateLimitRefill   float64 `env:"RATE_LIMIT_REFILL_PER_SEC" envDefault:"20"`
}

// Load reads configuration from environment variables with defaults suitable
// for local development.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}
