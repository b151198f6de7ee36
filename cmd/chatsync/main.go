package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/GetStream/chat-sync/chat"
	"github.com/GetStream/chat-sync/config"
	"github.com/GetStream/chat-sync/metrics"
	"github.com/GetStream/chat-sync/postgres"
	"github.com/GetStream/chat-sync/redis"
	"github.com/GetStream/chat-sync/session"
	"github.com/GetStream/chat-sync/transport"
)

type contextKey int

const contextKeyConfig contextKey = iota

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyConfig, cfg)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// deps holds everything a command needs to talk to the backend and to local
// storage. Outbox and cache are nil when not configured.
type deps struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *chat.Store
	client   *transport.Client
	pg       *postgres.Postgres
	cache    *redis.Redis
	session  *session.Session
}

func setup(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{
		logger:   newLogger(cfg.Service.LogLevel),
		registry: prometheus.NewRegistry(),
	}
	d.metrics = metrics.New(d.registry)
	d.store = chat.NewStore(chat.StoreConfig{
		UserID:  cfg.Backend.UserID,
		Logger:  d.logger,
		Metrics: d.metrics,
	})
	d.client = &transport.Client{
		BaseURL: cfg.Backend.URL,
		Token:   cfg.Backend.Token,
		HTTP:    &http.Client{Timeout: cfg.Backend.Timeout},
		Logger:  d.logger,
	}

	scfg := session.Config{
		Store:       d.store,
		Client:      d.client,
		Logger:      d.logger,
		Metrics:     d.metrics,
		Retry:       cfg.RetryConfig(),
		SendTimeout: cfg.Session.SendTimeout,
		GapTimeout:  cfg.Session.GapTimeout,
		FlushRate:   cfg.Session.FlushRate,
		FlushBurst:  cfg.Session.FlushBurst,
		MaxBuffered: cfg.Session.MaxBuffered,
		Notify: func(m chat.Message) {
			d.logger.Info("New message", "conversation_id", m.ConversationID, "id", m.ID, "author_id", m.AuthorID)
		},
	}

	if cfg.Storage.Postgres != "" {
		pg, err := postgres.Connect(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		d.pg = pg
		scfg.Outbox = pg
	}
	if cfg.Storage.Redis != "" {
		r, err := redis.Connect(ctx, cfg.Storage.Redis)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		r.SetMaxSize(cfg.Storage.CacheSize)
		d.cache = r
		scfg.Cache = r
	}

	d.session = session.New(scfg)
	if err := d.session.Restore(ctx); err != nil {
		d.close()
		return nil, fmt.Errorf("restore: %w", err)
	}
	return d, nil
}

func (d *deps) close() {
	if d.session != nil {
		d.session.Close()
	}
	if d.pg != nil {
		if err := d.pg.Close(); err != nil {
			d.logger.Error("Could not close postgres", "error", err.Error())
		}
	}
	if d.cache != nil {
		if err := d.cache.Close(); err != nil {
			d.logger.Error("Could not close redis", "error", err.Error())
		}
	}
}

func main() {
	app := &cli.App{
		Name:  "chatsync",
		Usage: "Keep a local, optimistic copy of chat conversations in sync with the backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to an env or yaml config file; the environment is used when empty",
				EnvVars: []string{"CHATSYNC_CONFIG"},
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			runCommand,
			sendCommand,
			outboxCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
