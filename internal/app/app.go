// Package app assembles the store, rate limiter and access service from
// configuration for the server and the admin CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/qazna-org/access/internal/auth"
	"github.com/qazna-org/access/internal/config"
	"github.com/qazna-org/access/internal/obs"
	"github.com/qazna-org/access/internal/ratelimit"
)

// Deps holds everything built from configuration.
type Deps struct {
	Config  *config.Config
	DB      *sql.DB
	Store   auth.Store
	Redis   *redis.Client
	Counter *ratelimit.RedisCounter
	Limiter *ratelimit.Limiter
	Service *auth.Service
}

// Open connects to the configured database and counter store. Without a DSN
// the service runs on the in-memory store, which loses state on restart.
func Open(ctx context.Context, cfg *config.Config) (*Deps, error) {
	d := &Deps{Config: cfg}
	log := obs.Component("bootstrap")

	if cfg.Database.DSN != "" {
		db, err := OpenDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		d.DB = db
		d.Store = auth.NewPGStore(db, "pgx")
	} else {
		log.Warn("database.dsn not set; using in-memory store")
		d.Store = auth.NewMemoryStore()
	}

	policy, err := ratelimit.ParseFallback(cfg.RateLimit.Fallback)
	if err != nil {
		d.Close()
		return nil, err
	}
	var primary ratelimit.Counter
	if cfg.Redis.Addr != "" {
		d.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.Counter = ratelimit.NewRedisCounter(d.Redis, "access:")
		primary = d.Counter
		if err := d.Counter.Ping(ctx); err != nil {
			log.WithError(err).WithField("degraded", true).Warn("redis unreachable at startup")
		}
	} else {
		log.Warn("redis.addr not set; rate limits are process-local")
		primary = ratelimit.NewLocalCounter(nil)
	}
	d.Limiter = ratelimit.New(primary, ratelimit.WithFallback(policy))

	svc, err := auth.NewService(d.Store, ServiceOptions(cfg, d.Limiter)...)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Service = svc
	return d, nil
}

// OpenDB opens and pings the PostgreSQL pool.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxOpenConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// ServiceOptions translates configuration into service options.
func ServiceOptions(cfg *config.Config, limiter auth.RateLimiter) []auth.ServiceOption {
	tokenOpts := []auth.TokenOption{
		auth.WithIssuer(cfg.Tokens.Issuer),
		auth.WithAccessTTL(cfg.Tokens.AccessTTL),
		auth.WithRefreshTTL(cfg.Tokens.RefreshTTL),
	}
	if cfg.UsesRSA() {
		tokenOpts = append(tokenOpts, auth.WithRS256Keys(cfg.Tokens.PrivateKeyPEM, cfg.Tokens.PublicKeyPEM))
		if cfg.Tokens.KeyID != "" {
			tokenOpts = append(tokenOpts, auth.WithKeyID(cfg.Tokens.KeyID))
		}
	} else {
		tokenOpts = append(tokenOpts, auth.WithHMACSecret(cfg.Tokens.Secret))
	}

	ceilings := make(map[auth.Role]int64, len(cfg.RateLimit.RoleCeilings))
	for name, n := range cfg.RateLimit.RoleCeilings {
		ceilings[auth.Role(name)] = n
	}

	opts := []auth.ServiceOption{
		auth.WithTokenOptions(tokenOpts...),
		auth.WithRoleCeilings(ceilings),
		auth.WithRateWindow(cfg.RateLimit.Window),
		auth.WithDefaultKeyLimit(cfg.RateLimit.KeyDefaultLimit),
	}
	if limiter != nil {
		opts = append(opts, auth.WithRateLimiter(limiter))
	}
	return opts
}

// Close releases connections.
func (d *Deps) Close() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
