// Package cron runs jobs on cron expressions and drives periodic service
// checks through Watcher.
package cron

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-service-command"
	"github.com/goliatone/go-service-command/runner"
)

// Logger is the printf style logger shared with runner.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler wraps robfig/cron. Every run goes through a runner.Handler built
// from the job's HandlerConfig, so jobs get the same timeout and retry policy
// as command handlers.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger   Logger
	parser   Parser
	logLevel LogLevel

	ctx    context.Context
	cancel context.CancelFunc

	nextID  int64
	handles map[int64]*handle
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		handles: make(map[int64]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		s.errorHandler = func(error) {}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron runs job on every activation of expression. A run that is
// still going when the next activation fires makes that activation a no-op.
func (s *Scheduler) ScheduleCron(expression string, cfg command.HandlerConfig, job Job) (Handle, error) {
	if expression == "" {
		return nil, command.NewValidationError("cron expression cannot be empty", nil)
	}
	if job == nil {
		return nil, command.NewValidationError("cron job cannot be nil", nil)
	}

	h := s.newHandle()
	exec := s.executor(cfg)
	entryID, err := s.cron.AddFunc(expression, func() {
		if !h.begin() {
			return
		}
		h.finish(s.runJob(exec, h, job), true)
	})
	if err != nil {
		return nil, command.NewValidationError(fmt.Sprintf("invalid cron expression %q: %v", expression, err), map[string]any{
			"expression": expression,
		})
	}

	s.mu.Lock()
	h.entryID = int(entryID)
	s.handles[h.id] = h
	s.mu.Unlock()
	return h, nil
}

// ScheduleAfter runs job once after delay. It does not need Start.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg command.HandlerConfig, job Job) (Handle, error) {
	if job == nil {
		return nil, command.NewValidationError("cron job cannot be nil", nil)
	}
	if delay < 0 {
		delay = 0
	}

	h := s.newHandle()
	h.at = time.Now().Add(delay)
	exec := s.executor(cfg)
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.Done():
			return
		case <-s.ctx.Done():
			h.setTerminal(ScheduleStatusStopped, nil)
			return
		}
		if !h.begin() {
			return
		}
		h.finish(s.runJob(exec, h, job), false)
		s.forget(h.id)
	}()
	return h, nil
}

func (s *Scheduler) runJob(exec *runner.Handler, h *handle, job Job) error {
	err := exec.Run(s.ctx, fmt.Sprintf("cron job %d", h.id), func(ctx context.Context) error {
		return job(ctx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.errorHandler(err)
	}
	return err
}

func (s *Scheduler) executor(cfg command.HandlerConfig) *runner.Handler {
	opts := runner.FromConfig(cfg)
	if s.logger != nil {
		opts = append(opts, runner.WithLogger(s.logger))
	}
	return runner.NewHandler(opts...)
}

// Start begins firing cron activations. ctx cancellation stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Stop(context.Background())
			case <-s.ctx.Done():
			}
		}()
	}
	s.cron.Start()
	return nil
}

// Stop halts activations, cancels running jobs and marks every live handle
// stopped. It waits for running jobs to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()

	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[int64]*handle)
	s.mu.Unlock()

	for _, h := range handles {
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		h.setTerminal(ScheduleStatusStopped, nil)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of live handles.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Scheduler) newHandle() *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return &handle{
		scheduler: s,
		id:        s.nextID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) remove(h *handle) {
	s.forget(h.id)
	if h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}

func (s *Scheduler) next(entryID int) time.Time {
	return s.cron.Entry(rcron.EntryID(entryID)).Next
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	if level >= LogLevelDebug {
		return rcron.VerbosePrintfLogger(stdLogger)
	}
	return rcron.PrintfLogger(stdLogger)
}

// build converts scheduler options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	var opts []rcron.Option

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logLevel > LogLevelSilent:
		cronLogger = makeLogger(os.Stderr, s.logLevel)
	default:
		cronLogger = rcron.DiscardLogger
	}
	opts = append(opts, rcron.WithLogger(cronLogger))

	opts = append(opts, rcron.WithChain(
		rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
		rcron.SkipIfStillRunning(cronLogger),
	))
	return opts
}
