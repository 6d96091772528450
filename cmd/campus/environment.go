package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/campus-scheduler/internal/application"
	"github.com/example/campus-scheduler/internal/config"
	"github.com/example/campus-scheduler/internal/identity"
	"github.com/example/campus-scheduler/internal/logging"
	"github.com/example/campus-scheduler/internal/persistence"
	"github.com/example/campus-scheduler/internal/persistence/memory"
	mongostore "github.com/example/campus-scheduler/internal/persistence/mongo"
	redisstore "github.com/example/campus-scheduler/internal/persistence/redis"
	"github.com/example/campus-scheduler/internal/persistence/sqlite"
)

// reconcileTimeout bounds the wait for the first local provider callback.
const reconcileTimeout = 2 * time.Second

// environment holds the services wired for a single command invocation.
type environment struct {
	cfg         config.Config
	logger      *slog.Logger
	collections *application.CollectionStore
	sessions    *application.SessionManager
	closers     []func() error
}

// withEnvironment opens the configured substrate and services, runs fn and
// releases everything afterwards.
func (c *cli) withEnvironment(ctx context.Context, fn func(ctx context.Context, env *environment) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer env.close()
	return fn(logging.ContextWithLogger(ctx, env.logger), env)
}

func (c *cli) open(ctx context.Context) (*environment, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, c.stderr)
	env := &environment{cfg: cfg, logger: logger}

	substrate, closeSubstrate, err := openSubstrate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, closeSubstrate)

	env.collections = application.NewCollectionStoreWithLogger(substrate, c.now, logger)
	if err := env.collections.Load(ctx); err != nil {
		logger.WarnContext(ctx, "collections loaded with errors", "error", err)
	}

	provider := newProvider(cfg, substrate, c.now, logger)
	env.sessions = application.NewSessionManager(substrate, provider, c.now,
		application.WithSessionLogger(logger),
		application.WithResetDelay(cfg.ResetDelay),
		application.WithPasswordVerification(cfg.VerifyPasswords),
	)
	env.closers = append(env.closers, func() error {
		env.sessions.Close()
		return nil
	})
	if err := env.sessions.Start(ctx); err != nil {
		env.close()
		return nil, fmt.Errorf("start session manager: %w", err)
	}

	if cfg.IdentityProvider == config.ProviderLocal {
		select {
		case <-env.sessions.Reconciled():
		case <-time.After(reconcileTimeout):
			logger.WarnContext(ctx, "identity provider did not report in time, using cached session")
		case <-ctx.Done():
			env.close()
			return nil, ctx.Err()
		}
	}
	return env, nil
}

// close releases resources in reverse order of acquisition.
func (e *environment) close() {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	if err := errors.Join(errs...); err != nil {
		e.logger.Error("failed to release resources", "error", err)
	}
}

func openSubstrate(ctx context.Context, cfg config.Config) (persistence.KeyValueStore, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), func() error { return nil }, nil
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite substrate: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		return store, store.Close, nil
	case config.BackendRedis:
		store, err := redisstore.Open(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis substrate: %w", err)
		}
		return store, store.Close, nil
	case config.BackendMongo:
		store, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, nil, fmt.Errorf("open mongo substrate: %w", err)
		}
		return store, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return store.Close(ctx)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

func newProvider(cfg config.Config, substrate persistence.KeyValueStore, now func() time.Time, logger *slog.Logger) application.IdentityProvider {
	if cfg.IdentityProvider == config.ProviderLocal {
		return identity.NewLocal(substrate, identity.WithClock(now), identity.WithLogger(logger))
	}
	return identity.NewStub(cfg.IdentityDelay, now)
}
