package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env  string
	Port string

	RedisURL  string
	RedisPass string
	RedisDB   int

	JWTSecret  string
	AdminToken string

	PendingGameCap   int
	OperationTimeout time.Duration
	StartingBalance  int64

	ArchiveDatabaseURL string
	ArchiveInterval    time.Duration
	ArchiveAfter       time.Duration

	LogLevel string
	LogDev   bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:                getEnv("ENV", "development"),
		Port:               getEnv("PORT", "8080"),
		RedisURL:           getEnv("REDIS_URL", "localhost:6379"),
		RedisPass:          os.Getenv("REDIS_PASSWORD"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		ArchiveDatabaseURL: os.Getenv("ARCHIVE_DATABASE_URL"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		LogDev:             os.Getenv("LOG_DEV") == "1",
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.PendingGameCap, err = getInt("PENDING_GAME_CAP", 10); err != nil {
		return nil, err
	}
	if cfg.PendingGameCap < 1 {
		return nil, fmt.Errorf("PENDING_GAME_CAP must be positive, got %d", cfg.PendingGameCap)
	}

	balance, err := getInt("STARTING_BALANCE", 0)
	if err != nil {
		return nil, err
	}
	if balance < 0 {
		return nil, fmt.Errorf("STARTING_BALANCE must not be negative, got %d", balance)
	}
	cfg.StartingBalance = int64(balance)

	if cfg.OperationTimeout, err = getDuration("OPERATION_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.ArchiveInterval, err = getDuration("ARCHIVE_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ArchiveAfter, err = getDuration("ARCHIVE_AFTER", 24*time.Hour); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("JWT_SECRET is required when ENV=%s", cfg.Env)
		}
		cfg.JWTSecret = "development-secret"
	}

	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}
