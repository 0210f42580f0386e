// Package dispatcher runs one command against resolved service bindings and
// folds the per binding results into a single aggregate.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-service-command"
	"github.com/goliatone/go-service-command/resolver"
	"github.com/goliatone/go-service-command/runner"
	"github.com/goliatone/go-service-command/state"
)

// Dispatcher selects, invokes and normalizes handlers for service bindings.
type Dispatcher struct {
	registry    *command.Registry
	store       state.Store
	liveness    *state.Liveness
	logger      command.Logger
	metrics     MetricsRecorder
	now         func() time.Time
	newRunID    func() string
	runnerOpts  []runner.Option
	concurrency int
	runTimeout  time.Duration
}

// Request is one command over an already resolved, ordered binding list.
type Request struct {
	Command     command.Kind
	Environment string
	Selector    string
	Bindings    []command.ServiceBinding
	Options     command.Options
}

// New builds a Dispatcher. A nil store falls back to an in-memory store.
func New(registry *command.Registry, store state.Store, opts ...Option) *Dispatcher {
	if store == nil {
		store = state.NewMemoryStore()
	}
	d := &Dispatcher{
		registry:    registry,
		store:       store,
		liveness:    state.NewLiveness(),
		logger:      command.NopLogger{},
		metrics:     nopMetrics{},
		now:         time.Now,
		newRunID:    uuid.NewString,
		concurrency: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Run resolves selector and executes kind against the matches. Validation and
// resolution failures return an empty failed aggregate with the error; no
// handler runs in that case.
func (d *Dispatcher) Run(ctx context.Context, res resolver.Resolver, kind command.Kind, selector, env string, opts command.Options) (command.CommandResults, error) {
	startedAt := d.now()
	fail := func(err error) (command.CommandResults, error) {
		d.logger.Warn("command %s rejected selector=%q environment=%s: %v", kind, selector, env, err)
		agg := command.Aggregate(d.newRunID(), kind, env, selector, startedAt, d.now().Sub(startedAt), nil)
		d.metrics.RecordRun(agg)
		return agg, err
	}

	if err := kind.Validate(); err != nil {
		return fail(err)
	}
	if err := opts.Validate(kind); err != nil {
		return fail(err)
	}
	if res == nil {
		return fail(command.NewValidationError("no resolver configured", nil))
	}
	bindings, err := res.Resolve(selector, env)
	if err != nil {
		return fail(err)
	}

	return d.Execute(ctx, Request{
		Command:     kind,
		Environment: env,
		Selector:    selector,
		Bindings:    bindings,
		Options:     opts,
	}), nil
}

// Execute dispatches every binding and waits for all of them. Results keep
// binding order regardless of completion order.
func (d *Dispatcher) Execute(ctx context.Context, req Request) command.CommandResults {
	startedAt := d.now()
	runID := d.newRunID()
	results := make([]command.CommandResult, len(req.Bindings))
	deadline := d.runDeadline()

	limit := d.parallelism(req.Options, len(req.Bindings))
	d.logger.Info("dispatching command=%s run_id=%s environment=%s bindings=%d concurrency=%d dry_run=%t",
		req.Command, runID, req.Environment, len(req.Bindings), limit, req.Options.DryRun)

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, binding := range req.Bindings {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, binding command.ServiceBinding) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					results[i] = command.FailedResult(binding, req.Command,
						command.NewHandlerExecutionError(fmt.Errorf("dispatch panic: %v", r), nil), d.now(), 0)
				}
			}()
			results[i] = d.dispatchWithin(ctx, deadline, req.Environment, binding, req.Command, req.Options)
		}(i, binding)
	}
	wg.Wait()

	agg := command.Aggregate(runID, req.Command, req.Environment, req.Selector, startedAt, d.now().Sub(startedAt), results)
	d.metrics.RecordRun(agg)
	d.logger.Info("command=%s run_id=%s finished succeeded=%d failed=%d duration=%s",
		req.Command, runID, agg.Succeeded, agg.Failed, agg.Duration)
	return agg
}

func (d *Dispatcher) parallelism(opts command.Options, n int) int {
	if opts.DryRun {
		return 1
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = d.concurrency
	}
	if limit > n {
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Dispatch runs kind for a single binding and always returns a result.
func (d *Dispatcher) Dispatch(ctx context.Context, env string, binding command.ServiceBinding, kind command.Kind, opts command.Options) command.CommandResult {
	return d.dispatchWithin(ctx, d.runDeadline(), env, binding, kind, opts)
}

// runDeadline is zero when no run timeout is configured.
func (d *Dispatcher) runDeadline() time.Time {
	if d.runTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d.runTimeout)
}

// dispatchWithin bounds the handler by deadline. State load and persistence
// are bounded by ctx only.
func (d *Dispatcher) dispatchWithin(ctx context.Context, deadline time.Time, env string, binding command.ServiceBinding, kind command.Kind, opts command.Options) command.CommandResult {
	startedAt := d.now()
	res := d.dispatch(ctx, deadline, env, binding, kind, opts, startedAt)
	if opts.DryRun {
		if res.Metadata == nil {
			res.Metadata = map[string]any{}
		}
		res.Metadata["dryRun"] = true
	}
	d.metrics.RecordResult(res)

	if res.Success {
		d.logger.Debug("%s %s/%s succeeded in %s", kind, binding.Platform, binding.Name, res.Duration)
	} else {
		d.logger.Warn("%s %s/%s failed code=%s: %s", kind, binding.Platform, binding.Name, res.ErrorCode, res.Error)
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, deadline time.Time, env string, binding command.ServiceBinding, kind command.Kind, opts command.Options, startedAt time.Time) command.CommandResult {
	elapsed := func() time.Duration { return d.now().Sub(startedAt) }

	if err := kind.Validate(); err != nil {
		return command.FailedResult(binding, kind, err, startedAt, elapsed())
	}
	if err := opts.Validate(kind); err != nil {
		return command.FailedResult(binding, kind, err, startedAt, elapsed())
	}
	if d.registry == nil {
		return command.FailedResult(binding, kind, command.NewNotImplementedError(binding.Platform, kind, binding.Type), startedAt, elapsed())
	}
	desc, err := d.registry.Resolve(binding.Platform, kind, binding.Type)
	if err != nil {
		return command.FailedResult(binding, kind, err, startedAt, elapsed())
	}

	fields := map[string]any{
		"service":     binding.Name,
		"platform":    string(binding.Platform),
		"command":     string(kind),
		"environment": env,
	}
	logger := command.WithLoggerFields(d.logger, fields)

	hc := command.HandlerContext{
		Binding:     binding,
		Command:     kind,
		Environment: env,
		Options:     opts,
		SavedState:  d.loadState(ctx, env, binding, logger),
		Logger:      logger,
	}

	outcome, err := runner.Invoke(ctx, d.runnerFor(desc, opts, deadline, logger), desc.Handler, hc)
	if err != nil {
		return command.FailedResult(binding, kind, normalizeError(err, fields), startedAt, elapsed())
	}

	res := command.NewCommandResult(binding, kind, outcome, startedAt, elapsed())
	if command.ValidateExtension(kind, outcome.Extension) != nil || opts.DryRun {
		return res
	}
	if err := d.applyState(ctx, env, binding, outcome.State); err != nil {
		logger.Error("persist resource state failed: %v", err)
		res.Success = false
		res.Error = command.ErrorMessage(err)
		res.ErrorCode = command.FailureCode(err)
	}
	return res
}

func (d *Dispatcher) runnerFor(desc command.HandlerDescriptor, opts command.Options, deadline time.Time, logger command.Logger) *runner.Handler {
	ropts := make([]runner.Option, 0, len(d.runnerOpts)+5)
	ropts = append(ropts,
		runner.WithLogger(logger),
		runner.WithPanicLogger(command.LoggerPanicLogger(logger)),
	)
	ropts = append(ropts, d.runnerOpts...)
	ropts = append(ropts, runner.FromConfig(desc.Config)...)
	if opts.Timeout > 0 {
		ropts = append(ropts, runner.WithTimeout(opts.Timeout))
	}
	if !deadline.IsZero() {
		ropts = append(ropts, runner.WithDeadline(deadline))
	}
	if desc.Command.Mutating() {
		ropts = append(ropts, runner.WithMutationGuard())
	}
	return runner.NewHandler(ropts...)
}

// loadState never fails the dispatch: unreadable state is logged and treated as absent.
func (d *Dispatcher) loadState(ctx context.Context, env string, binding command.ServiceBinding, logger command.Logger) *command.ResourceState {
	rec, err := d.store.Load(ctx, env, binding.Name)
	if err != nil {
		logger.Warn("saved resource state ignored: %v", err)
		return nil
	}
	if rec != nil && rec.Platform != binding.Platform {
		logger.Warn("saved resource state belongs to platform %s, ignored", rec.Platform)
		return nil
	}
	return rec
}

func (d *Dispatcher) applyState(ctx context.Context, env string, binding command.ServiceBinding, change command.StateChange) error {
	switch {
	case change.IsSave():
		rec := change.Record()
		if rec.SavedAt.IsZero() {
			rec.SavedAt = d.now().UTC()
		}
		return d.store.Save(ctx, env, binding.Name, rec)
	case change.IsClear():
		return d.store.Clear(ctx, env, binding.Name)
	}
	return nil
}

func normalizeError(err error, fields map[string]any) error {
	var pe *command.PanicError
	if errors.As(err, &pe) {
		meta := map[string]any{"panic": true}
		for k, v := range fields {
			meta[k] = v
		}
		return command.NewHandlerExecutionError(err, meta)
	}
	if command.ErrorCode(err) != "" {
		return err
	}
	return command.NewHandlerExecutionError(err, fields)
}
