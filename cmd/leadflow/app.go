package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/leadflow/internal/actions"
	"github.com/rendis/leadflow/internal/agents"
	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/eventbus"
	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/intake"
	"github.com/rendis/leadflow/internal/memory"
	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/internal/rules"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/internal/worker"
)

// app is the wired dependency graph shared by the long-running commands.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store   store.Store
	redis   redis.UniversalClient
	bus     eventbus.Bus
	catalog *rules.Catalog
	engine  *engine.Orchestrator
	actions *actions.Dispatcher
	intake  *intake.Service
}

// newApp opens the store and the bus and builds every component on top.
// On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err = a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.bus = eventbus.NewRedisBus(a.redis, eventbus.RedisConfig{
			Prefix:        cfg.Redis.StreamPrefix,
			MaxLen:        cfg.Redis.MaxLen,
			ClaimIdle:     cfg.Redis.ClaimIdle,
			MaxDeliveries: cfg.Redis.MaxDeliveries,
			Concurrency:   cfg.Redis.Consumers,
			Logger:        logger,
			Metrics:       a.metrics,
		})
	} else {
		a.bus = eventbus.NewMemoryBus(eventbus.MemoryConfig{
			Concurrency: cfg.Redis.Consumers,
			Logger:      logger,
			Metrics:     a.metrics,
		})
	}

	if a.catalog, err = buildCatalog(cfg); err != nil {
		return nil, err
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}

	registry, err := buildAgents(cfg, validator, logger)
	if err != nil {
		return nil, err
	}

	a.engine, err = engine.New(engine.Config{
		Store:   a.store,
		Agents:  registry,
		Rules:   a.catalog,
		Events:  a.bus,
		Logger:  logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}

	if a.actions, err = buildActions(cfg, a.store, validator, logger, a.metrics); err != nil {
		return nil, err
	}

	a.intake, err = intake.New(intake.Config{
		Store:     a.store,
		Workflows: a.engine,
		Validator: validator,
		Cache:     memory.NewSessionCache(memory.DefaultTTL),
		StatusTTL: cfg.HTTP.StatusTTL,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// close shuts the bus down before closing the connections it uses.
func (a *app) close(ctx context.Context) {
	if a.bus != nil {
		if err := a.bus.Shutdown(ctx); err != nil {
			a.logger.Warn("event bus shutdown", slog.String("error", err.Error()))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close", slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close", slog.String("error", err.Error()))
		}
	}
}

// usesMemoryBus reports whether events stay inside this process.
func (a *app) usesMemoryBus() bool { return a.redis == nil }

func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case driverLibSQL:
		s, err := store.NewLibSQLStore(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open libsql store: %w", err)
		}
		return s, nil
	case driverPostgres:
		s, err := store.OpenPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func buildCatalog(cfg *Config) (*rules.Catalog, error) {
	catalog, err := rules.NewCatalog(rules.BuiltinProducts(), cfg.Product)
	if err != nil {
		return nil, err
	}
	for tenant, slug := range cfg.TenantProducts {
		if err := catalog.AssignTenant(tenant, slug); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenant, err)
		}
	}
	return catalog, nil
}

func buildAgents(cfg *Config, validator validation.Validator, logger *slog.Logger) (*agents.Registry, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, fmt.Errorf("create expression engines: %w", err)
	}

	var client agents.ModelClient
	if cfg.Agents.Mode == agents.ModeLLM {
		anthropic, err := agents.NewAnthropicClient(agents.AnthropicConfig{
			APIKey:    cfg.Agents.AnthropicAPIKey,
			Model:     cfg.Agents.Model,
			MaxTokens: cfg.Agents.MaxTokens,
			BaseURL:   cfg.Agents.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		client = anthropic
	}

	registry := agents.NewRegistry(cfg.Agents.Timeout, logger)
	if err := agents.RegisterBuiltins(registry, cfg.Agents.Mode, client, cfg.Agents.MaxTokens, validator, engines); err != nil {
		return nil, err
	}
	return registry, nil
}

func buildActions(cfg *Config, st store.Store, validator validation.Validator, logger *slog.Logger, m *metrics.Metrics) (*actions.Dispatcher, error) {
	var mailer actions.Mailer
	if cfg.Actions.SMTP.Host != "" {
		smtp, err := actions.NewSMTPMailer(cfg.Actions.SMTP)
		if err != nil {
			return nil, err
		}
		mailer = smtp
	} else {
		logger.Info("actions.smtp.host not set, emails are logged only")
	}

	d := actions.NewDispatcher(actions.DispatcherConfig{
		Timeout: cfg.Actions.Timeout,
		Logger:  logger,
		Metrics: m,
	})
	if err := actions.RegisterBuiltins(d, actions.Builtins{
		Mailer:    mailer,
		Booker:    st,
		Validator: validator,
		Logger:    logger,
	}); err != nil {
		return nil, err
	}
	d.SetLogger(worker.ActionAuditHook(st))
	return d, nil
}

// warnLocalBus flags commands that publish or consume events without a
// shared transport.
func (a *app) warnLocalBus(command string) {
	if a.usesMemoryBus() {
		a.logger.Warn("redis.addr not set, events stay inside this process; use `leadflow serve` to run every component together",
			slog.String("command", command))
	}
}
