package main

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"feedbackhub/internal/broker"
	"feedbackhub/internal/config"
	"feedbackhub/internal/ratelimit"
	"feedbackhub/internal/store"
)

// deps are the long-lived backends opened from configuration.
type deps struct {
	Store  store.Store
	Broker broker.EventBroker
	Limits ratelimit.Store
	redis  *redis.Client
}

func (d *deps) Close() error {
	var errs []error
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	return errors.Join(errs...)
}

// openDeps picks Postgres when database.url is set and Redis when redis.url is set,
// falling back to in-process implementations otherwise.
func openDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		d.Store = pg
		if cfg.Database.AutoMigrate {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				_ = d.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			if len(applied) > 0 {
				log.Info().Strs("versions", applied).Msg("migrations applied")
			}
		}
	} else {
		log.Warn().Msg("database.url not set, using in-memory store")
		d.Store = store.NewMemory()
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		d.redis = redis.NewClient(opts)
		if err := d.redis.Ping(ctx).Err(); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		d.Broker = broker.NewRedisBroker(d.redis, cfg.Redis.KeyPrefix)
	} else {
		d.Broker = broker.NewBroker()
	}

	if cfg.RateLimit.Backend == "redis" && d.redis != nil {
		d.Limits = ratelimit.NewRedis(d.redis, cfg.Redis.KeyPrefix)
	} else {
		d.Limits = ratelimit.NewMemory()
	}
	return d, nil
}
