package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidahmann/tollgate/internal/admission"
	"github.com/davidahmann/tollgate/internal/api"
	"github.com/davidahmann/tollgate/internal/auth"
	"github.com/davidahmann/tollgate/internal/authz"
	"github.com/davidahmann/tollgate/internal/clock"
	"github.com/davidahmann/tollgate/internal/config"
	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/gate"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/ledger/pgstore"
	"github.com/davidahmann/tollgate/internal/ledger/sqlstore"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/internal/ratelimit"
	"github.com/davidahmann/tollgate/internal/replay"
	"github.com/davidahmann/tollgate/internal/telemetry"
	"github.com/davidahmann/tollgate/internal/ticket"
)

// sqlBackend is implemented by sqlstore.Store and pgstore.Store.
type sqlBackend interface {
	ledger.Store
	replay.Guard
	replay.Purger
	authz.Store
	Migrate(ctx context.Context) error
	Close() error
}

type app struct {
	handler  http.Handler
	gate     *gate.Service
	purger   replay.Purger
	backends api.Backends
	closers  []func(context.Context) error
}

func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i](ctx)
	}
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	secret, err := loadSecret(cfg.Ticket)
	if err != nil {
		return nil, err
	}
	loaded, err := policy.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", cfg.PolicyPath, err)
	}
	issuer, err := ticket.NewIssuer(secret, clock.Real())
	if err != nil {
		return nil, err
	}

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Sampler:      cfg.Telemetry.Sampler,
		SamplerArg:   cfg.Telemetry.SamplerArg,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownTelemetry)

	var db sqlBackend
	if cfg.DB.Driver != "" {
		db, err = openDB(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	}

	var rdb *redis.Client
	if cfg.Replay.Backend == config.BackendRedis || (cfg.RateLimit.Enabled && cfg.RateLimit.Backend == config.BackendRedis) {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	}

	var store ledger.Store = ledger.NewInMemoryStore()
	a.backends.Ledger = config.BackendMemory
	if db != nil {
		store = db
		a.backends.Ledger = cfg.DB.Driver
	}

	guard, purger, err := buildReplay(ctx, cfg, db, rdb)
	if err != nil {
		return nil, err
	}
	a.purger = purger
	a.backends.Replay = cfg.Replay.Backend

	matcher, err := buildAuthz(cfg.Authz, db)
	if err != nil {
		return nil, err
	}
	a.backends.Authz = "disabled"
	if matcher != nil {
		a.backends.Authz = cfg.Authz.Store
	}

	adm := cfg.Admission
	svc, err := gate.New(gate.Options{
		Admission: admission.New(loaded, admission.Config{
			KillSwitch:       adm.KillSwitch,
			FeedbackAlpha:    *adm.FeedbackAlpha,
			FeedbackScale:    *adm.FeedbackScale,
			LowMark:          *adm.LowMark,
			HighMark:         *adm.HighMark,
			PersonaBiasScale: *adm.PersonaBiasScale,
		}),
		Issuer:       issuer,
		Replay:       guard,
		Ledger:       ledger.New(store),
		Authz:        matcher,
		DefaultTTL:   time.Duration(cfg.Ticket.DefaultTTLSeconds) * time.Second,
		MaxTTL:       time.Duration(cfg.Ticket.MaxTTLSeconds) * time.Second,
		ReplayMargin: time.Duration(cfg.Replay.TTLMarginSeconds) * time.Second,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	a.gate = svc

	h := &api.Handler{
		Gate:        svc,
		Auth:        auth.NewTokenAuthenticator(cfg.Auth.AdminToken, cfg.Auth.CallerToken),
		Backends:    a.backends,
		ServiceName: cfg.Telemetry.ServiceName,
		Logger:      logger,
	}
	if cfg.RateLimit.Enabled {
		h.RateLimit = cfg.RateLimit.PerMinute
		if rdb != nil && cfg.RateLimit.Backend == config.BackendRedis {
			h.Limiter = ratelimit.NewRedis(rdb, time.Minute)
		} else {
			h.Limiter = ratelimit.NewInMemory(time.Minute)
		}
	}
	if cfg.Auth.AdminToken == "" {
		logger.Warn("admin token not configured; admin routes are closed")
	}
	a.handler = api.NewRouter(h)
	return a, nil
}

func loadSecret(cfg config.TicketConfig) ([]byte, error) {
	if cfg.SecretPath != "" {
		secret, err := crypto.LoadSecret(cfg.SecretPath)
		if err != nil {
			return nil, fmt.Errorf("ticket secret: %w", err)
		}
		return secret, nil
	}
	if cfg.Secret == "" {
		return nil, errors.New("ticket secret is required (ticket.secret, ticket.secret_path or TOLLGATE_TICKET_SECRET)")
	}
	secret, err := crypto.DecodeSecret(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("ticket secret: %w", err)
	}
	return secret, nil
}

func openDB(ctx context.Context, cfg config.DBConfig) (sqlBackend, error) {
	driver, err := ledger.ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	var db sqlBackend
	switch driver {
	case ledger.DBSQLite:
		db, err = sqlstore.OpenSQLite(cfg.DSN)
	case ledger.DBPostgres:
		db, err = pgstore.OpenPostgres(cfg.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	return db, nil
}

func buildReplay(ctx context.Context, cfg config.Config, db sqlBackend, rdb *redis.Client) (replay.Guard, replay.Purger, error) {
	switch cfg.Replay.Backend {
	case config.BackendFile:
		g, err := replay.NewFileGuard(cfg.Replay.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("replay dir: %w", err)
		}
		return g, g, nil
	case config.BackendRedis:
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		// Keys expire in redis; no janitor.
		return replay.NewRedisGuard(rdb), nil, nil
	case config.BackendSQL:
		return db, db, nil
	default:
		g := replay.NewMemoryGuard()
		return g, g, nil
	}
}

func buildAuthz(cfg config.AuthzConfig, db sqlBackend) (*authz.Matcher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	effect, err := authz.ParseEffect(cfg.DefaultEffect)
	if err != nil {
		return nil, err
	}
	var store authz.Store
	switch cfg.Store {
	case config.BackendFile:
		store = authz.NewFileStore(cfg.Path)
	case config.BackendSQL:
		store = db
	default:
		store = authz.NewInMemoryStore()
	}
	return authz.NewMatcher(store, effect), nil
}
