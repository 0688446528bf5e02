// Package config содержит логику чтения конфигурации сервиса доставки.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации сервиса доставки.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	RedisAddress       string `env:"REDIS_ADDRESS"`
	AuthSecret         string `env:"AUTH_SECRET"`
	PushGatewayAddress string `env:"PUSH_GATEWAY_ADDRESS"`
	NSQAddress         string `env:"NSQ_ADDRESS"`
	Timezone           string `env:"TIMEZONE"`

	StatsCacheTTL   time.Duration `env:"STATS_CACHE_TTL"`
	CancelPickupFee int64         `env:"CANCEL_PICKUP_FEE"`

	// Учётная запись администратора, создаваемая при старте, если её ещё нет.
	AdminPhone    string `env:"ADMIN_PHONE"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, empty means in-memory store")
	flag.StringVar(&cfg.RedisAddress, "redis", "", "redis address for the stats cache")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret used to sign auth tokens")
	flag.StringVar(&cfg.PushGatewayAddress, "p", "", "push gateway address")
	flag.StringVar(&cfg.NSQAddress, "nsq", "", "nsqd address for notification events")
	flag.StringVar(&cfg.Timezone, "tz", "UTC", "timezone for daily statistics")
	flag.DurationVar(&cfg.StatsCacheTTL, "cache-ttl", 30*time.Second, "stats cache TTL")
	flag.Int64Var(&cfg.CancelPickupFee, "cancel-fee", 0, "driver compensation for cancelling a picked up order")
	flag.StringVar(&cfg.AdminPhone, "admin-phone", "", "phone of the bootstrap admin account")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StatsCacheTTL < 0 {
		return errors.New("stats cache TTL must not be negative")
	}
	if c.CancelPickupFee < 0 {
		return errors.New("cancel pickup fee must not be negative")
	}
	if (c.AdminPhone == "") != (c.AdminPassword == "") {
		return errors.New("admin phone and admin password must be set together")
	}
	return nil
}

// Location возвращает часовой пояс для границ суток.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
