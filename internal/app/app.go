// Package app wires the engine's components from a config.Config: the store
// stack (PostgreSQL or memory, with an optional Redis cache), locks, the
// price oracle, the jobs and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/dividend"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/options"
	"github.com/atmx/settlement-engine/internal/pricing"
	"github.com/atmx/settlement-engine/internal/program"
	"github.com/atmx/settlement-engine/internal/scheduler"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

const lockPrefix = "settlement-engine:lock:"

// App holds the wired components. Close releases connections.
type App struct {
	Log      *slog.Logger
	Config   *config.Config
	Clock    clockwork.Clock
	Store    store.Store
	Programs *program.Registry
	Oracle   pricing.Oracle

	Hub        *api.Hub
	Limiter    *api.RateLimiter
	Settlement *settlement.Job
	Options    *options.Ledger
	Dividends  *dividend.Distributor
	API        *api.Service
	Scheduler  *scheduler.Scheduler

	pings   []func(context.Context) error
	cleanup []func()
}

// New connects to the configured backends and builds every component.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{Log: log, Config: cfg, Clock: clockwork.NewRealClock()}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg, log := a.Config, a.Log

	// --- Programs ---
	a.Programs = program.Default()
	if cfg.ProgramsFile != "" {
		reg, err := program.Load(cfg.ProgramsFile)
		if err != nil {
			return err
		}
		a.Programs = reg
		log.Info("loaded program overrides", "file", cfg.ProgramsFile)
	}

	// --- Store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := store.Migrate(log, cfg.DatabaseURL); err != nil {
				return err
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		a.pings = append(a.pings, pg.Ping)
		st = pg
		log.Info("connected to PostgreSQL")
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: cache, locks, price ---
	var locker lock.Locker = lock.NewKeyedMutex()
	var oracles pricing.Fallback
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		a.pings = append(a.pings, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

		if cfg.DatabaseURL != "" {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			log.Info("Redis cache enabled")
		}
		locker = lock.NewRedisLocker(rdb, lockPrefix, cfg.LockTTL, log)
		oracles = append(oracles, pricing.NewRedisOracle(rdb, cfg.PriceKey, cfg.PriceMaxAge, a.Clock))
	}
	if cfg.EquityPrice.IsPositive() {
		oracles = append(oracles, pricing.NewStaticOracle(cfg.EquityPrice))
	}
	if len(oracles) == 0 {
		log.Warn("no equity price source configured, option grants need an explicit price")
	}
	a.Store = st
	a.Oracle = oracles

	// --- Engine ---
	a.Hub = api.NewHub(log)

	var err error
	a.Settlement, err = settlement.NewJob(settlement.Config{
		Logger:     log,
		Clock:      a.Clock,
		Store:      st,
		Programs:   a.Programs,
		Locker:     locker,
		Oracle:     a.Oracle,
		Notifier:   a.Hub,
		StaleAfter: cfg.StaleAfter,
	})
	if err != nil {
		return err
	}
	a.Options, err = options.NewLedger(options.Config{
		Logger:   log,
		Clock:    a.Clock,
		Store:    st,
		Locker:   locker,
		Oracle:   a.Oracle,
		Notifier: a.Hub,
	})
	if err != nil {
		return err
	}
	a.Dividends, err = dividend.NewDistributor(dividend.Config{
		Logger:   log,
		Clock:    a.Clock,
		Store:    st,
		Locker:   locker,
		Notifier: a.Hub,
	})
	if err != nil {
		return err
	}
	a.Scheduler, err = scheduler.New(scheduler.Config{
		Logger:             log,
		Clock:              a.Clock,
		Settlement:         a.Settlement,
		Options:            a.Options,
		SettlementSchedule: cfg.SettlementSchedule,
		VestingSchedule:    cfg.VestingSchedule,
	})
	if err != nil {
		return err
	}

	// --- HTTP ---
	if cfg.RateLimitPerMinute > 0 {
		a.Limiter = api.NewRateLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitPerMinute)), max(cfg.RateLimitBurst, 1))
	}
	a.API, err = api.NewService(api.Config{
		Logger:     log,
		Clock:      a.Clock,
		Store:      st,
		Programs:   a.Programs,
		Settlement: a.Settlement,
		Options:    a.Options,
		Dividends:  a.Dividends,
		Hub:        a.Hub,
		Limiter:    a.Limiter,
	})
	return err
}

// Health pings every backend.
func (a *App) Health(ctx context.Context) error {
	var errs []error
	for _, ping := range a.pings {
		if err := ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Router returns the HTTP handler: health, metrics and the /api/v1 routes.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS for the operator dashboard.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.Health(r.Context()); err != nil {
			a.Log.Warn("health check failed", "err", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"degraded","service":"settlement-engine"}`))
			return
		}
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", a.API.Routes)
	return r
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
