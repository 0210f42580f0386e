package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-service-command"
	"github.com/goliatone/go-service-command/dispatcher"
	"github.com/goliatone/go-service-command/platform/aws"
	"github.com/goliatone/go-service-command/platform/container"
	"github.com/goliatone/go-service-command/platform/mock"
	"github.com/goliatone/go-service-command/platform/posix"
	"github.com/goliatone/go-service-command/resolver"
	"github.com/goliatone/go-service-command/state"
)

// session is bound into every subcommand's Run method.
type session struct {
	ctx     context.Context
	globals *Globals
	stdout  io.Writer
	stderr  io.Writer
}

// app is the wired dispatcher for one invocation.
type app struct {
	logger     command.Logger
	registry   *command.Registry
	liveness   *state.Liveness
	store      state.Store
	catalog    *resolver.Catalog
	metrics    *prometheus.Registry
	dispatcher *dispatcher.Dispatcher

	closers []io.Closer
}

// open wires platforms, the state store and the dispatcher. The catalog is
// only loaded when withCatalog is set.
func (s *session) open(withCatalog bool) (*app, error) {
	g := s.globals
	a := &app{
		logger:   newLogger(s.stderr, g.LogFormat, g.Verbose),
		registry: command.NewRegistry(),
		liveness: state.NewLiveness(),
		metrics:  prometheus.NewRegistry(),
	}

	if withCatalog {
		catalog, err := resolver.LoadCatalogFile(g.Catalog)
		if err != nil {
			return nil, err
		}
		a.catalog = catalog
	}

	if err := a.registerPlatforms(s.ctx, g.Platforms); err != nil {
		a.close()
		return nil, err
	}
	if err := a.registry.Initialize(); err != nil {
		a.close()
		return nil, err
	}

	store, err := a.openStore(s.ctx, g.State, g.Table)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store

	recorder, err := dispatcher.NewPrometheusMetrics(a.metrics, "svcctl")
	if err != nil {
		a.close()
		return nil, err
	}

	a.dispatcher = dispatcher.New(a.registry, a.store,
		dispatcher.WithConcurrency(g.Concurrency),
		dispatcher.WithLogger(a.logger),
		dispatcher.WithMetrics(recorder),
		dispatcher.WithLiveness(a.liveness),
		dispatcher.WithRunTimeout(g.RunTimeout),
	)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close: %v", err)
		}
	}
	a.closers = nil
}

func (a *app) registerPlatforms(ctx context.Context, names []string) error {
	seen := make(map[command.Platform]bool, len(names))
	for _, name := range names {
		platform := command.Platform(strings.ToLower(strings.TrimSpace(name)))
		if platform == "" || seen[platform] {
			continue
		}
		seen[platform] = true

		switch platform {
		case command.PlatformPOSIX:
			p, err := posix.Register(a.registry, posix.Deps{})
			if err != nil {
				return err
			}
			a.liveness.Register(platform, p)

		case command.PlatformContainer:
			cli, err := container.NewClient()
			if err != nil {
				return err
			}
			a.closers = append(a.closers, cli)
			p, err := container.Register(a.registry, container.Deps{Client: cli})
			if err != nil {
				return err
			}
			a.liveness.Register(platform, p)

		case command.PlatformAWS:
			cfg, err := config.LoadDefaultConfig(ctx)
			if err != nil {
				return fmt.Errorf("load aws config: %w", err)
			}
			p, err := aws.Register(a.registry, aws.NewFromConfig(cfg))
			if err != nil {
				return err
			}
			a.liveness.Register(platform, p)

		case command.PlatformMock:
			sim := mock.NewSimulator()
			if err := mock.Register(a.registry, sim); err != nil {
				return err
			}
			a.liveness.Register(platform, sim)

		default:
			return command.NewValidationError("unknown platform", map[string]any{"platform": name})
		}
		a.logger.Debug("platform %s enabled", platform)
	}
	return nil
}

// openStore understands memory, redis://, rediss://, postgres://,
// postgresql://, file:// and bare directory paths.
func (a *app) openStore(ctx context.Context, spec, table string) (state.Store, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "memory":
		return state.NewMemoryStore(), nil

	case strings.HasPrefix(spec, "redis://"), strings.HasPrefix(spec, "rediss://"):
		opts, err := redis.ParseURL(spec)
		if err != nil {
			return nil, command.NewValidationError("invalid redis url", map[string]any{"error": err.Error()})
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, command.NewStateIOError("redis unreachable", err, nil)
		}
		return state.NewRedisStore(client), nil

	case strings.HasPrefix(spec, "postgres://"), strings.HasPrefix(spec, "postgresql://"):
		db, err := sql.Open("postgres", spec)
		if err != nil {
			return nil, command.NewStateIOError("open postgres", err, nil)
		}
		a.closers = append(a.closers, db)
		if err := db.PingContext(ctx); err != nil {
			return nil, command.NewStateIOError("postgres unreachable", err, nil)
		}
		return state.NewSQLStore(db, table), nil

	case spec == "":
		return nil, command.NewValidationError("state backend is empty", nil)
	}
	return state.NewFileStore(strings.TrimPrefix(spec, "file://")), nil
}
