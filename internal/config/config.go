package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	HTTPPort     string `env:"HTTP_PORT" envDefault:":8080"`
	AppMode      string `env:"APP_MODE" envDefault:"dev"`
	FiberPrefork bool   `env:"FIBER_PREFORK" envDefault:"false"`

	ClickHouseAddr         []string      `env:"CLICKHOUSE_ADDR,required" envSeparator:","`
	ClickHouseDatabase     string        `env:"CLICKHOUSE_DATABASE" envDefault:"default"`
	ClickHouseUsername     string        `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	ClickHousePassword     string        `env:"CLICKHOUSE_PASSWORD"`
	ClickHouseDialTimeout  time.Duration `env:"CLICKHOUSE_DIAL_TIMEOUT" envDefault:"5s"`
	ClickHouseMaxOpenConns int           `env:"CLICKHOUSE_MAX_OPEN_CONNS" envDefault:"20"`

	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS" envDefault:"50"`
	DBMinConns        int32         `env:"DB_MIN_CONNS" envDefault:"10"`
	DBMaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"30m"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	WarehouseRegistryPath  string `env:"WAREHOUSE_REGISTRY_PATH"`
	WarehouseRegistryWatch bool   `env:"WAREHOUSE_REGISTRY_WATCH" envDefault:"true"`

	QueryTimeout   time.Duration `env:"QUERY_TIMEOUT" envDefault:"30s"`
	EventsPageSize int           `env:"EVENTS_PAGE_SIZE" envDefault:"50"`
	MaxBuckets     int           `env:"MAX_BUCKETS" envDefault:"5000"`

	CacheEnabled bool          `env:"CACHE_ENABLED" envDefault:"true"`
	CacheSize    int           `env:"CACHE_SIZE" envDefault:"1024"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.AppMode = strings.ToLower(cfg.AppMode)

	if cfg.EventsPageSize <= 0 || cfg.EventsPageSize > 500 {
		return nil, fmt.Errorf("EVENTS_PAGE_SIZE must be between 1 and 500, got %d", cfg.EventsPageSize)
	}
	if cfg.MaxBuckets <= 0 {
		return nil, fmt.Errorf("MAX_BUCKETS must be positive, got %d", cfg.MaxBuckets)
	}
	if cfg.CacheEnabled && cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("CACHE_SIZE must be positive when the cache is enabled")
	}
	return cfg, nil
}
