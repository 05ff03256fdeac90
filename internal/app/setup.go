package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/cache"
	"github.com/manaforge/market-engine/internal/keylock"
	"github.com/manaforge/market-engine/internal/store"
)

// setupStore picks PostgreSQL, then SQLite, then memory.
func (a *App) setupStore(ctx context.Context) (store.Store, error) {
	cfg := a.cfg.Storage
	switch {
	case cfg.PostgresURL != "":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		st := store.NewPostgresStore(pool)
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("store-selected", zap.String("store", "postgres"))
		return st, nil

	case cfg.SQLitePath != "":
		st, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		a.logger.Info("store-selected", zap.String("store", "sqlite"), zap.String("path", cfg.SQLitePath))
		return st, nil
	}

	a.logger.Warn("store-selected", zap.String("store", "memory"), zap.String("note", "data will not persist"))
	return store.NewMemoryStore(), nil
}

// setupCoordination returns Redis-backed locks and cache when Redis is
// configured, so several engine instances can share one database.
// Otherwise it falls back to in-process locks and a Ristretto cache.
func (a *App) setupCoordination(ctx context.Context) (keylock.Locker, cache.Cache, error) {
	cfg := a.cfg.Redis
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		a.logger.Info("coordination-selected", zap.String("backend", "redis"))
		return keylock.NewRedis(rdb, cfg.Prefix+":lock:", cfg.LockTTL, a.logger.Named("keylock")),
			cache.NewRedisCache(rdb, cfg.Prefix+":cache:", a.logger.Named("cache")), nil
	}

	c, err := cache.NewRistrettoCache(&cache.RistrettoConfig{
		NumCounters: a.cfg.Cache.MaxCostBytes / 100,
		MaxCost:     a.cfg.Cache.MaxCostBytes,
		BufferItems: 64,
		Logger:      a.logger.Named("cache"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create cache: %w", err)
	}
	a.closers = append(a.closers, c.Close)
	a.logger.Info("coordination-selected", zap.String("backend", "local"))
	return keylock.NewLocal(), c, nil
}
