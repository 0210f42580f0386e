package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-service-command"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handler applies a timeout, retry and panic policy to one invocation.
type Handler struct {
	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	retryIf       func(error) bool
	panicLogger   command.PanicLogger

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
		retryIf:       defaultRetryIf,
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn until it succeeds or the retry budget is spent.
// Each attempt runs on its own goroutine so a handler that ignores ctx still
// yields a timeout error once the deadline passes; its late result is dropped.
func (h *Handler) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		err = h.attempt(ctx, name, fn)
		if err == nil {
			return nil
		}
		// The runner's own deadline is final. A timeout reported by fn while
		// ctx is still live goes through the retry strategy.
		if ctx.Err() != nil {
			return err
		}
		if attempt >= h.maxRetries || !h.shouldRetry(err) {
			break
		}

		decision := DecideRetry(h.retryStrategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		h.handleError(command.WrapRunError(
			fmt.Sprintf("%s failed, attempt %d of %d", name, attempt+1, h.maxRetries+1),
			err,
		))
		if sleepErr := sleepContext(ctx, decision.Delay); sleepErr != nil {
			return h.timeoutError(name, sleepErr)
		}
	}

	h.logError("%s failed after %d attempts: %v", name, h.maxRetries+1, err)
	return err
}

func (h *Handler) attempt(ctx context.Context, name string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- command.CapturePanic(name, h.panicLogger, map[string]any{"handler": name}, func() error {
			return fn(ctx)
		})
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return h.timeoutError(name, err)
		}
		return err
	case <-ctx.Done():
		return h.timeoutError(name, ctx.Err())
	}
}

func (h *Handler) timeoutError(name string, cause error) error {
	meta := map[string]any{"handler": name}
	if h.timeout > 0 {
		meta["timeout"] = h.timeout.String()
	}
	if errors.Is(cause, context.Canceled) {
		return command.NewHandlerExecutionError(cause, meta)
	}
	return command.NewTimeoutError(cause, meta)
}

func (h *Handler) shouldRetry(err error) bool {
	if h.retryIf == nil {
		return true
	}
	return h.retryIf(err)
}

func (h *Handler) handleError(err error) {
	if h.errorHandler != nil {
		h.errorHandler(err)
	}
}

func (h *Handler) logError(format string, args ...any) {
	if h.logger != nil {
		h.logger.Error(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return context.WithCancel(parent)
	}
}

// Invoke runs handler through h and returns its outcome.
func Invoke(ctx context.Context, h *Handler, handler command.Handler, hc command.HandlerContext) (command.Outcome, error) {
	name := fmt.Sprintf("%s/%s/%s", hc.Binding.Platform, hc.Command, hc.Binding.Name)

	var out command.Outcome
	err := h.Run(ctx, name, func(ctx context.Context) error {
		res, err := handler.Handle(ctx, hc)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return command.Outcome{}, err
	}
	return out, nil
}

// validation and panics are deterministic, retrying cannot help
func defaultRetryIf(err error) bool {
	var pe *command.PanicError
	if errors.As(err, &pe) {
		return false
	}
	return !command.IsValidation(err) && !command.IsNotImplemented(err)
}
