// Package app assembles the services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"field-access-control/internal/access"
	"field-access-control/internal/broker"
	"field-access-control/internal/config"
	"field-access-control/internal/email"
	"field-access-control/internal/jwt"
	"field-access-control/internal/nonce"
	"field-access-control/internal/notify"
	"field-access-control/internal/registry"
	"field-access-control/internal/routes"
	"field-access-control/internal/storage"
	"field-access-control/internal/sweeper"

	"github.com/redis/go-redis/v9"
)

type App struct {
	Config   *config.Config
	Store    storage.Provider
	Redis    *redis.Client
	Nonces   nonce.Store
	Hub      notify.Hub
	Mailer   email.Sender
	Registry *registry.Registry
	Access   *access.Engine
	Broker   *broker.Broker
	Sweeper  *sweeper.Sweeper

	enrollmentMail *email.EnrollmentNotifier
}

// usesRedis reports whether any backend was configured to share state
// through redis.
func usesRedis(cfg *config.Config) bool {
	return cfg.NonceStore == string(nonce.Redis) || cfg.Notify.Backend == "redis"
}

// NewRedisClient connects to cfg.Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// New opens storage, bringing its schema up to date, and builds every
// service. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	var err error
	a.Store, err = storage.NewProvider(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	if usesRedis(cfg) {
		if a.Redis, err = NewRedisClient(ctx, cfg.Redis); err != nil {
			a.Close()
			return nil, err
		}
	}

	if a.Nonces, err = nonce.NewStore(cfg, a.Store, a.Redis); err != nil {
		a.Close()
		return nil, err
	}
	if a.Hub, err = notify.NewHub(cfg, a.Redis); err != nil {
		a.Close()
		return nil, err
	}

	a.Mailer = email.NewSender(cfg.Email)

	var opts []registry.Option
	if cfg.Email.NotifyAdmins && len(cfg.RBAC.Admins) > 0 {
		a.enrollmentMail = email.NewEnrollmentNotifier(a.Mailer, cfg.RBAC.Admins, cfg.BaseURL)
		opts = append(opts, registry.WithEnrollmentListener(a.enrollmentMail))
	}
	a.Registry = registry.New(a.Store, cfg.Secret, cfg.Registry, opts...)
	a.Access = access.New(a.Store)
	a.Broker = broker.New(a.Store, a.Access, a.Registry, a.Hub, cfg.Broker)
	a.Sweeper = sweeper.New(a.Registry, a.Broker, cfg.Sweeper.Interval)
	return a, nil
}

// Bootstrap applies the configured seed file and makes sure every configured
// admin e-mail has an admin account.
func (a *App) Bootstrap(ctx context.Context, by string) error {
	if path := a.Config.RBAC.PolicyFile; path != "" {
		res, err := a.Access.LoadSeedFile(ctx, path, by)
		if err != nil {
			return fmt.Errorf("seed %s: %w", path, err)
		}
		slog.Info("Applied access seed", "file", path,
			"roles", res.Roles, "groups", res.Groups, "policies", res.Policies, "users", res.Users)
	}

	for _, addr := range a.Config.RBAC.Admins {
		user, created, err := a.Access.EnsureUser(ctx, access.UserSpec{Email: addr, Admin: true}, by)
		if err != nil {
			return fmt.Errorf("admin %s: %w", addr, err)
		}
		if created {
			slog.Info("Created admin user", "userID", user.UserID)
		} else if !user.IsAdmin {
			slog.Warn("Configured admin exists without the admin flag", "userID", user.UserID)
		}
	}
	return nil
}

// Server returns the HTTP handler state for this app.
func (a *App) Server() *routes.Server {
	return &routes.Server{
		Config:   a.Config,
		Store:    a.Store,
		Registry: a.Registry,
		Access:   a.Access,
		Broker:   a.Broker,
		Hub:      a.Hub,
		Nonces:   a.Nonces,
		Tokens:   jwt.NewIssuer(a.Config.Secret, a.Nonces),
		Mailer:   a.Mailer,
	}
}

// Close waits for queued admin mail and releases stores in reverse order of
// opening.
func (a *App) Close() error {
	if a.enrollmentMail != nil {
		a.enrollmentMail.Wait()
	}
	var errs []error
	if a.Hub != nil {
		errs = append(errs, a.Hub.Close())
	}
	if a.Nonces != nil {
		a.Nonces.Close()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
