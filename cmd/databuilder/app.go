package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/sdmx-databuilder/pkg/builder"
	"github.com/Sternrassler/sdmx-databuilder/pkg/cache"
	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
	"github.com/Sternrassler/sdmx-databuilder/pkg/config"
	"github.com/Sternrassler/sdmx-databuilder/pkg/fetch"
	"github.com/Sternrassler/sdmx-databuilder/pkg/logging"
	"github.com/Sternrassler/sdmx-databuilder/pkg/probe"
	"github.com/Sternrassler/sdmx-databuilder/pkg/ratelimit"
	"github.com/Sternrassler/sdmx-databuilder/pkg/recipe"
)

// app wires the components for one command invocation.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	redis    *redis.Client
	cache    *cache.Manager
	governor *ratelimit.Governor
	client   *client.Client
	prober   *probe.Prober
	store    *recipe.Store
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.NewLogger("databuilder")}

	format, err := client.ParseFormat(cfg.API.Format)
	if err != nil {
		return nil, err
	}

	govCfg := cfg.Governor()
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connect to Redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
		govCfg.Store = ratelimit.NewRedisStateStore(a.redis, cfg.Redis.KeyPrefix+ratelimit.RedisKeyState)
		a.cache = cache.NewManager(a.redis, cache.Config{
			TTL:       cfg.Redis.CacheTTL.Std(),
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	}

	a.governor, err = ratelimit.NewGovernor(ctx, govCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	clientCfg := client.DefaultConfig(a.governor, cfg.API.UserAgent)
	clientCfg.Timeout = cfg.API.Timeout.Std()
	clientCfg.Retry = cfg.Retry()
	a.client, err = client.New(clientCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.prober, err = probe.New(probe.Config{
		Client:   a.client,
		ProbeURL: cfg.API.ProbeURL,
		Format:   format,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.store, err = recipe.NewStore(recipe.StoreConfig{
		Path:                cfg.Recipe.Path,
		TransactionPosition: cfg.Recipe.TransactionPosition,
		BaseURL:             cfg.API.BaseURL,
		Validator:           a.prober,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// builder returns a pipeline for the configured dataflow.
func (a *app) builder(allowMultiHour bool, progress func(fetch.Status)) (*builder.Builder, error) {
	format, err := client.ParseFormat(a.cfg.API.Format)
	if err != nil {
		return nil, err
	}
	engineCfg := fetch.Config{
		Client:              a.client,
		Quota:               a.governor,
		BaseURL:             a.cfg.API.BaseURL,
		Format:              format,
		TransactionPosition: a.cfg.Recipe.TransactionPosition,
		AllowMultiHour:      allowMultiHour,
		Progress:            progress,
	}
	builderCfg := builder.Config{}
	if a.cache != nil {
		engineCfg.Cache = a.cache
		builderCfg.Evicter = a.cache
	}
	engine, err := fetch.NewEngine(engineCfg)
	if err != nil {
		return nil, err
	}
	builderCfg.Fetcher = engine
	return builder.New(builderCfg)
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
}
