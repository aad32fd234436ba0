// Package config содержит логику чтения конфигурации сервиса скретч-карт.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса скретч-карт.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	RedisAddr   string `env:"REDIS_ADDR"`
	JWTSecret   string `env:"JWT_SECRET"`

	ScratchCooldown time.Duration `env:"SCRATCH_COOLDOWN"`
	WinProbability  float64       `env:"WIN_PROBABILITY"`
	// RNGSeed = 0 означает случайное зерно при каждом запуске.
	RNGSeed uint64 `env:"RNG_SEED"`

	TokenTTL            time.Duration `env:"TOKEN_TTL"`
	LeaderboardCacheTTL time.Duration `env:"LEADERBOARD_CACHE_TTL"`

	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
}

const (
	defaultRunAddress          = "localhost:8080"
	defaultScratchCooldown     = time.Minute
	defaultWinProbability      = 0.7
	defaultTokenTTL            = 24 * time.Hour
	defaultLeaderboardCacheTTL = 30 * time.Second
)

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{
		TokenTTL:            defaultTokenTTL,
		LeaderboardCacheTTL: defaultLeaderboardCacheTTL,
	}

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, empty for in-memory storage")
	flag.StringVar(&cfg.RedisAddr, "r", "", "redis address for leaderboard cache")
	flag.StringVar(&cfg.JWTSecret, "s", "", "secret for signing session tokens")
	flag.DurationVar(&cfg.ScratchCooldown, "c", defaultScratchCooldown, "minimum interval between scratch attempts")
	flag.Float64Var(&cfg.WinProbability, "p", defaultWinProbability, "probability of winning a drawn avatar")
	flag.Uint64Var(&cfg.RNGSeed, "seed", 0, "random seed, 0 for a random one")

	flag.Parse()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.WinProbability < 0 || c.WinProbability > 1 {
		return fmt.Errorf("win probability %v is outside [0, 1]", c.WinProbability)
	}
	if c.ScratchCooldown < 0 {
		return errors.New("scratch cooldown must not be negative")
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		return errors.New("ADMIN_EMAIL and ADMIN_PASSWORD must be set together")
	}
	return nil
}
