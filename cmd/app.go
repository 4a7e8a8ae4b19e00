package cmd

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/logging"
	"github.com/example/slotwatch/internal/migrate"
	"github.com/example/slotwatch/internal/state"
)

func loadConfig(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config:\n%w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func openDB(ctx context.Context, cfg config.Config) (*db.DB, error) {
	d, err := db.Open(ctx, cfg.Store.DatabaseURL, db.Options{MaxConns: cfg.Store.MaxConns})
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return d, nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger, migrateUp bool) (state.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		d, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if migrateUp {
			if _, err := migrate.Up(ctx, d, log); err != nil {
				d.Close()
				return nil, err
			}
		}
		return state.NewPostgres(d), nil
	case "file":
		return state.OpenFile(cfg.Store.Path)
	default:
		log.Warn("using in-memory state store; cursors are lost on restart")
		return state.NewMemory(), nil
	}
}

func openRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}
