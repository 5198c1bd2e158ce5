package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/gateauth"
	"github.com/MrEthical07/gateauth/delivery"
	"github.com/MrEthical07/gateauth/internal/appconfig"
	"github.com/MrEthical07/gateauth/store"
	"github.com/MrEthical07/gateauth/store/memstore"
	"github.com/MrEthical07/gateauth/store/pgstore"
	"github.com/MrEthical07/gateauth/store/redisstore"
)

// app owns the engine and every connection opened for it.
type app struct {
	file    *appconfig.File
	logger  *slog.Logger
	engine  *gateauth.Engine
	closers []func()
}

func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadFile(g *globalFlags) (*appconfig.File, *slog.Logger, error) {
	f, err := appconfig.Load(appconfig.Options{Path: g.configPath, EnvFile: g.envFile})
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		f.Log.Level = g.logLevel
	}
	logger, err := f.Logger(os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return f, logger, nil
}

func newApp(ctx context.Context, f *appconfig.File, logger *slog.Logger) (*app, error) {
	a := &app{file: f, logger: logger}

	cfg, err := f.Engine()
	if err != nil {
		return nil, err
	}

	b := gateauth.New().WithConfig(cfg).WithLogger(logger)

	st, rdb, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	b.WithStore(st)
	if rdb != nil {
		b.WithRedis(rdb)
	}

	mailer, err := a.openMailer()
	if err != nil {
		a.Close()
		return nil, err
	}
	b.WithMailer(mailer)

	if cfg.Audit.Enabled {
		b.WithAuditSink(gateauth.NewSlogSink(logger))
	}

	engine, err := b.Build()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.engine = engine
	return a, nil
}

// openStore returns the Redis client too when the store uses one, so the
// rate limiter shares it.
func (a *app) openStore(ctx context.Context) (store.Store, redis.UniversalClient, error) {
	sc := a.file.Store
	switch sc.Driver {
	case "", "memory":
		a.logger.Warn("using in-memory store; state is lost on restart")
		return memstore.New(), nil, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return redisstore.New(rdb, sc.RedisPrefix), rdb, nil

	case "postgres":
		if sc.PostgresDSN == "" {
			return nil, nil, errors.New("store.postgres_dsn is required for the postgres driver")
		}
		pg, err := pgstore.Open(sc.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() { _ = pg.Close() })
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func (a *app) openMailer() (gateauth.Mailer, error) {
	mc := a.file.Mail
	switch mc.Driver {
	case "", "log":
		return delivery.NewLogMailer(a.logger), nil

	case "nats":
		url := mc.NATSURL
		if url == "" {
			url = nats.DefaultURL
		}
		m, nc, err := delivery.Connect(url, delivery.NATSConfig{SubjectPrefix: mc.SubjectPrefix},
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					a.logger.Warn("nats disconnected", "error", err)
				}
			}),
		)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = nc.Drain() })
		return m, nil

	default:
		return nil, fmt.Errorf("unknown mail driver %q", mc.Driver)
	}
}
