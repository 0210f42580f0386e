package dispatcher

import (
	"time"

	"github.com/goliatone/go-service-command"
	"github.com/goliatone/go-service-command/runner"
	"github.com/goliatone/go-service-command/state"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency sets the default number of bindings dispatched at once.
// Values below 1 mean sequential.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		d.concurrency = n
	}
}

func WithLogger(logger command.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = command.NormalizeLogger(logger)
	}
}

func WithMetrics(recorder MetricsRecorder) Option {
	return func(d *Dispatcher) {
		if recorder != nil {
			d.metrics = recorder
		}
	}
}

// WithClock replaces time.Now for result timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithRunnerOptions adds runner options applied before each descriptor's own config.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(d *Dispatcher) {
		d.runnerOpts = append(d.runnerOpts, opts...)
	}
}

// WithRunTimeout bounds a whole Execute. Every handler of the run shares one
// deadline, so bindings still queued when it passes fail with a timeout.
func WithRunTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		disp.runTimeout = d
	}
}

// WithLiveness sets the prober set used by Reconcile.
func WithLiveness(l *state.Liveness) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.liveness = l
		}
	}
}

// WithRunIDGenerator replaces the uuid based run id generator.
func WithRunIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newRunID = fn
		}
	}
}
