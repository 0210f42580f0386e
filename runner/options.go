package runner

import (
	"time"

	"github.com/goliatone/go-service-command"
)

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		if max < 0 {
			max = 0
		}
		r.maxRetries = max
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(err error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		r.retryStrategy = s
	}
}

// WithRetryIf restricts retries to errors the predicate accepts.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Handler) {
		r.retryIf = fn
	}
}

// WithPanicLogger reports recovered handler panics.
func WithPanicLogger(l command.PanicLogger) Option {
	return func(r *Handler) {
		r.panicLogger = l
	}
}

// WithMutationGuard wraps the strategy configured so far in a MutationGuard.
// Apply it after any WithRetryStrategy.
func WithMutationGuard() Option {
	return func(r *Handler) {
		if _, ok := r.retryStrategy.(MutationGuard); ok {
			return
		}
		r.retryStrategy = MutationGuard{Next: r.retryStrategy}
	}
}

const maxRetryDelay = 30 * time.Second

// FromConfig maps a descriptor's HandlerConfig onto runner options.
func FromConfig(cfg command.HandlerConfig) []Option {
	var opts []Option
	if cfg.Timeout > 0 && !cfg.NoTimeout {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(cfg.MaxRetries))
		if cfg.RetryDelay > 0 {
			opts = append(opts, WithRetryStrategy(ExponentialBackoffStrategy{
				Base:   cfg.RetryDelay,
				Factor: 2,
				Max:    maxRetryDelay,
			}))
		}
	}
	return opts
}
