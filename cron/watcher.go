package cron

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-service-command"
	"github.com/goliatone/go-service-command/resolver"
)

// CommandRunner runs one command across the bindings a selector matches.
// *dispatcher.Dispatcher satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, res resolver.Resolver, kind command.Kind, selector, env string, opts command.Options) (command.CommandResults, error)
}

// Watch describes a periodic command run.
type Watch struct {
	Expression  string
	Selector    string
	Environment string
	// Kind defaults to check. Mutating commands are rejected.
	Kind    command.Kind
	Options command.Options
	Config  command.HandlerConfig
}

// Watcher schedules read-only commands, usually check, and hands every
// aggregate to a callback.
type Watcher struct {
	scheduler *Scheduler
	runner    CommandRunner
	resolver  resolver.Resolver
	logger    command.Logger
}

func NewWatcher(scheduler *Scheduler, runner CommandRunner, res resolver.Resolver, logger command.Logger) *Watcher {
	if scheduler == nil {
		scheduler = NewScheduler()
	}
	return &Watcher{
		scheduler: scheduler,
		runner:    runner,
		resolver:  res,
		logger:    command.NormalizeLogger(logger),
	}
}

// Watch schedules w.Kind for w.Selector. deliver may be nil; it is called
// from the scheduler goroutine after every run, including failed ones.
func (w *Watcher) Watch(spec Watch, deliver func(command.CommandResults)) (Handle, error) {
	spec, err := normalizeWatch(spec)
	if err != nil {
		return nil, err
	}
	return w.scheduler.ScheduleCron(spec.Expression, spec.Config, w.job(spec, deliver))
}

// Once runs spec a single time after delay. Expression is ignored.
func (w *Watcher) Once(spec Watch, delay time.Duration, deliver func(command.CommandResults)) (Handle, error) {
	spec, err := normalizeWatch(spec)
	if err != nil {
		return nil, err
	}
	return w.scheduler.ScheduleAfter(delay, spec.Config, w.job(spec, deliver))
}

func normalizeWatch(spec Watch) (Watch, error) {
	if spec.Kind == "" {
		spec.Kind = command.KindCheck
	}
	if err := spec.Kind.Validate(); err != nil {
		return spec, err
	}
	if spec.Kind.Mutating() {
		return spec, command.NewValidationError("only read-only commands can be watched", map[string]any{
			"command": string(spec.Kind),
		})
	}
	if strings.TrimSpace(spec.Selector) == "" {
		return spec, command.NewValidationError("watch requires a selector", nil)
	}
	if strings.TrimSpace(spec.Environment) == "" {
		return spec, command.NewValidationError("watch requires an environment", nil)
	}
	return spec, spec.Options.Validate(spec.Kind)
}

func (w *Watcher) job(spec Watch, deliver func(command.CommandResults)) Job {
	return func(ctx context.Context) error {
		agg, err := w.runner.Run(ctx, w.resolver, spec.Kind, spec.Selector, spec.Environment, spec.Options)
		if deliver != nil {
			deliver(agg)
		}
		if err != nil {
			return err
		}
		if !agg.Success {
			w.logger.Warn("watch %s %q in %s: %d of %d failed", spec.Kind, spec.Selector, spec.Environment, agg.Failed, len(agg.Results))
		}
		return nil
	}
}

// Start starts the underlying scheduler.
func (w *Watcher) Start(ctx context.Context) error {
	return w.scheduler.Start(ctx)
}

func (w *Watcher) Stop(ctx context.Context) error {
	return w.scheduler.Stop(ctx)
}
