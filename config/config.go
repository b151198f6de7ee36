// Package config loads the client's settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/GetStream/chat-sync/retry"
)

type Config struct {
	Backend Backend
	Storage Storage
	Service Service
	Retry   Retry
	Session Session
}

type Backend struct {
	// URL is the REST base URL, e.g. https://chat.example.com/api.
	URL       string        `env:"CHATSYNC_BACKEND_URL" env-required:"true"`
	StreamURL string        `env:"CHATSYNC_STREAM_URL" env-required:"true"`
	Token     string        `env:"CHATSYNC_TOKEN" env-required:"true"`
	UserID    string        `env:"CHATSYNC_USER_ID" env-required:"true"`
	Timeout   time.Duration `env:"CHATSYNC_HTTP_TIMEOUT" env-default:"30s"`
}

type Storage struct {
	// Postgres holds the outbox. Empty disables it.
	Postgres        string        `env:"CHATSYNC_POSTGRES_DSN"`
	// Redis holds conversation snapshots. Empty disables it.
	Redis           string        `env:"CHATSYNC_REDIS_ADDR"`
	CacheSize       int           `env:"CHATSYNC_CACHE_SIZE" env-default:"200"`
	CheckpointEvery time.Duration `env:"CHATSYNC_CHECKPOINT_INTERVAL" env-default:"1m"`
}

type Service struct {
	Addr     string `env:"CHATSYNC_ADDR" env-default:"127.0.0.1:8080"`
	LogLevel string `env:"CHATSYNC_LOG_LEVEL" env-default:"info"`
}

type Retry struct {
	InitialInterval time.Duration `env:"CHATSYNC_RETRY_INITIAL_INTERVAL" env-default:"500ms"`
	Multiplier      float64       `env:"CHATSYNC_RETRY_MULTIPLIER" env-default:"2"`
	MaxInterval     time.Duration `env:"CHATSYNC_RETRY_MAX_INTERVAL" env-default:"30s"`
	MaxAttempts     int           `env:"CHATSYNC_RETRY_MAX_ATTEMPTS" env-default:"5"`
	Jitter          float64       `env:"CHATSYNC_RETRY_JITTER" env-default:"0.2"`
}

type Session struct {
	SendTimeout time.Duration `env:"CHATSYNC_SEND_TIMEOUT" env-default:"15s"`
	GapTimeout  time.Duration `env:"CHATSYNC_GAP_TIMEOUT" env-default:"3s"`
	FlushRate   float64       `env:"CHATSYNC_FLUSH_RATE" env-default:"10"`
	FlushBurst  int           `env:"CHATSYNC_FLUSH_BURST" env-default:"5"`
	MaxBuffered int           `env:"CHATSYNC_MAX_BUFFERED_EVENTS" env-default:"512"`
	Uploads     int           `env:"CHATSYNC_UPLOAD_CONCURRENCY" env-default:"3"`
}

// Load reads the configuration from the environment, and from path first if
// it is not empty.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("read config: retry max attempts must be at least 1, got %d", cfg.Retry.MaxAttempts)
	}
	return &cfg, nil
}

// RetryConfig converts the retry settings.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		InitialInterval: c.Retry.InitialInterval,
		Multiplier:      c.Retry.Multiplier,
		MaxInterval:     c.Retry.MaxInterval,
		MaxAttempts:     c.Retry.MaxAttempts,
		Jitter:          c.Retry.Jitter,
	}
}
