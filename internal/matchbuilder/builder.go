// Package matchbuilder wires the match service from configuration.
package matchbuilder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/park285/indichess-match/internal/api"
	"github.com/park285/indichess-match/internal/config"
	"github.com/park285/indichess-match/internal/coordinator"
	"github.com/park285/indichess-match/internal/hub"
	"github.com/park285/indichess-match/internal/janitor"
	"github.com/park285/indichess-match/internal/live"
	"github.com/park285/indichess-match/internal/matchmaker"
	"github.com/park285/indichess-match/internal/metrics"
	"github.com/park285/indichess-match/internal/msgcat"
	"github.com/park285/indichess-match/internal/obslog"
	"github.com/park285/indichess-match/internal/rules"
	"github.com/park285/indichess-match/internal/store"
	"github.com/park285/indichess-match/internal/store/memstore"
	"github.com/park285/indichess-match/internal/store/pgstore"
	"github.com/park285/indichess-match/internal/store/redisstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Config      *config.AppConfig
	Matches     store.Backend
	History     store.Backend
	Hub         *hub.Hub
	Relay       *hub.RedisRelay
	Coordinator *coordinator.Coordinator
	Matchmaker  *matchmaker.Matchmaker
	Janitor     *janitor.Janitor
	API         *api.Server
	Live        *live.Server
	Metrics     *metrics.Metrics
	Catalog     *msgcat.Catalog

	backends  map[string]store.Backend
	redis     *redis.Client
	ownRedis  bool
	stopRelay func()
}

// New opens the configured backends and assembles every component. Nothing
// is listening or scheduled until Start.
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	a := &App{Config: cfg, Metrics: metrics.New(), backends: map[string]store.Backend{}}

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	a.Catalog = cat

	if a.Matches, err = a.backend(ctx, cfg.MatchStore); err != nil {
		_ = a.Close()
		return nil, err
	}
	if a.History, err = a.backend(ctx, cfg.HistoryStore); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Hub = hub.New(cfg.LiveSubscriberBuffer, a.Metrics)
	var out coordinator.Broadcaster = a.Hub
	if cfg.LiveFanout == config.FanoutRedis {
		rdb, err := a.redisClient(ctx)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Relay = hub.NewRedisRelay(rdb, a.Hub)
		out = a.Relay
	}

	copts := coordinator.Options{Broadcaster: out, Catalog: cat, Metrics: a.Metrics}
	switch cfg.MoveCheck {
	case config.MoveCheckParse:
		copts.MoveCheck = rules.FENCheck{}
	case config.MoveCheckStrict:
		copts.MoveCheck = rules.FENCheck{Strict: true}
	}
	a.Coordinator = coordinator.New(a.Matches, a.History, a.History, copts)

	a.Matchmaker = matchmaker.New(a.Matches, matchmaker.Options{
		FreshnessWindow: cfg.FreshnessWindow,
		GameTypes:       cfg.GameTypes,
		Metrics:         a.Metrics,
	})

	if pruner, ok := a.Matches.(store.WaitingPruner); ok {
		a.Janitor = janitor.New(pruner, janitor.Options{
			Interval: cfg.JanitorInterval,
			Window:   cfg.FreshnessWindow,
			Metrics:  a.Metrics,
		})
	}

	a.API = api.New(api.Deps{
		Matchmaker:     a.Matchmaker,
		History:        a.History,
		Metrics:        a.Metrics,
		Catalog:        cat,
		IdentityHeader: cfg.IdentityHeader,
		Ready:          a.Ready,
	})
	a.Live = live.New(live.Deps{
		Coordinator:    a.Coordinator,
		Hub:            a.Hub,
		Metrics:        a.Metrics,
		IdentityHeader: cfg.IdentityHeader,
		EventRPS:       cfg.LiveEventRPS,
		EventBurst:     cfg.LiveEventBurst,
	})

	obslog.L().Info("match_app_built",
		zap.String("match_store", cfg.MatchStore),
		zap.String("history_store", cfg.HistoryStore),
		zap.String("fanout", cfg.LiveFanout),
		zap.String("move_check", cfg.MoveCheck),
		zap.Bool("janitor", a.Janitor != nil),
	)
	return a, nil
}

// backend opens kind once; registry and history share an instance when
// they name the same backend.
func (a *App) backend(ctx context.Context, kind string) (store.Backend, error) {
	if b, ok := a.backends[kind]; ok {
		return b, nil
	}
	var (
		b   store.Backend
		err error
	)
	switch kind {
	case config.BackendMemory:
		b = memstore.New()
	case config.BackendRedis:
		var rs *redisstore.Store
		rs, err = redisstore.Open(ctx, a.Config.RedisURL)
		if err == nil {
			a.redis = rs.Client()
			b = rs
		}
	case config.BackendPostgres:
		b, err = pgstore.Open(ctx, a.Config.DatabaseURL)
	default:
		err = fmt.Errorf("unsupported store backend %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", kind, err)
	}
	a.backends[kind] = b
	return b, nil
}

// redisClient reuses the redis store's connection when there is one.
func (a *App) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	opt, err := redisstore.ParseURL(a.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	a.redis, a.ownRedis = rdb, true
	return rdb, nil
}

// Ready pings every backend that supports it.
func (a *App) Ready(ctx context.Context) error {
	for kind, b := range a.backends {
		if p, ok := b.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("%s: %w", kind, err)
			}
		}
	}
	return nil
}

// Start begins the relay subscription and the janitor schedule.
func (a *App) Start(ctx context.Context) error {
	if a.Relay != nil {
		stop, err := a.Relay.Start(ctx)
		if err != nil {
			return fmt.Errorf("start live relay: %w", err)
		}
		a.stopRelay = stop
	}
	if a.Janitor != nil {
		if err := a.Janitor.Start(); err != nil {
			return fmt.Errorf("start janitor: %w", err)
		}
	}
	return nil
}

// Close stops background work and releases backends. Servers are shut down
// by the caller first.
func (a *App) Close() error {
	var errs []error
	if a.Janitor != nil {
		if err := a.Janitor.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.stopRelay != nil {
		a.stopRelay()
		a.stopRelay = nil
	}
	for kind, b := range a.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", kind, err))
		}
	}
	if a.ownRedis && a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
