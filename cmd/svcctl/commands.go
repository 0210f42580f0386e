package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-service-command"
	"github.com/goliatone/go-service-command/cron"
)

// runCmd dispatches one lifecycle command. kind is fixed per instance.
type runCmd struct {
	kind command.Kind

	Selector string        `arg:"" help:"Services to target: a name, all, @group or a pattern such as api-*."`
	Args     []string      `arg:"" optional:"" help:"Command line for exec, test filter for test. Put it after --."`
	DryRun   bool          `help:"Report what would happen without touching anything." name:"dry-run" short:"n"`
	Force    bool          `help:"Skip graceful shutdown and conflict checks." short:"f"`
	Timeout  time.Duration `help:"Per service timeout, 0 keeps the handler default."`
	Image    string        `help:"Image or artifact reference for update and publish."`
	Tag      string        `help:"Version tag for publish."`
}

func (c *runCmd) Run(s *session) error {
	a, err := s.open(true)
	if err != nil {
		return err
	}
	defer a.close()

	opts := command.Options{
		DryRun:      c.DryRun,
		Verbose:     s.globals.Verbose,
		Force:       c.Force,
		Timeout:     c.Timeout,
		Concurrency: s.globals.Concurrency,
		Args:        c.Args,
		Image:       c.Image,
		Tag:         c.Tag,
	}
	agg, err := a.dispatcher.Run(s.ctx, a.catalog, c.kind, c.Selector, s.globals.Env, opts)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if err := writeJSON(s.stdout, agg); err != nil {
		return err
	}
	if !agg.Success {
		return &exitError{code: exitFailed}
	}
	return nil
}

type handlersCmd struct{}

func (c *handlersCmd) Run(s *session) error {
	a, err := s.open(false)
	if err != nil {
		return err
	}
	defer a.close()

	w := tabwriter.NewWriter(s.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLATFORM\tCOMMAND\tSERVICE TYPE")
	for _, d := range a.registry.Descriptors() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Platform, d.Command, d.ServiceType)
	}
	return w.Flush()
}

type pruneCmd struct {
	DryRun bool `help:"List stale records without clearing them." name:"dry-run" short:"n"`
}

func (c *pruneCmd) Run(s *session) error {
	a, err := s.open(false)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.dispatcher.Reconcile(s.ctx, s.globals.Env, command.Options{DryRun: c.DryRun})
	if err != nil {
		return err
	}
	if err := writeJSON(s.stdout, report); err != nil {
		return err
	}
	if len(report.Errors) > 0 {
		return &exitError{code: exitFailed}
	}
	return nil
}

type watchCmd struct {
	Selector    string        `arg:"" help:"Services to check."`
	Schedule    string        `help:"Cron expression or @every interval." default:"@every 30s"`
	Command     string        `help:"Read-only command to run." default:"check" enum:"check,test"`
	Timeout     time.Duration `help:"Per service timeout."`
	MetricsAddr string        `help:"Serve Prometheus metrics on this address while watching." name:"metrics-addr"`
	FirstRun    time.Duration `help:"Also run once after this delay, ahead of the schedule. Negative disables." name:"first-run" default:"0s"`
	CronLog     string        `help:"Scheduler engine log level." name:"cron-log-level" enum:"silent,error,info,debug" default:"error"`
}

func (c *watchCmd) Run(s *session) error {
	a, err := s.open(true)
	if err != nil {
		return err
	}
	defer a.close()

	kind, err := command.ParseKind(c.Command)
	if err != nil {
		return err
	}

	level, err := cron.ParseLogLevel(c.CronLog)
	if err != nil {
		return err
	}
	scheduler := cron.NewScheduler(
		cron.WithLogger(a.logger),
		cron.WithLogLevel(level),
		cron.WithErrorHandler(func(err error) {
			a.logger.Error("watch run failed: %v", err)
		}),
	)
	watcher := cron.NewWatcher(scheduler, a.dispatcher, a.catalog, a.logger)

	var mu sync.Mutex
	spec := cron.Watch{
		Expression:  c.Schedule,
		Selector:    c.Selector,
		Environment: s.globals.Env,
		Kind:        kind,
		Options:     command.Options{Timeout: c.Timeout, Concurrency: s.globals.Concurrency},
	}
	deliver := func(agg command.CommandResults) {
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewEncoder(s.stdout).Encode(agg); err != nil {
			a.logger.Error("write result: %v", err)
		}
	}
	handle, err := watcher.Watch(spec, deliver)
	if err != nil {
		return err
	}
	if c.FirstRun >= 0 {
		if _, err := watcher.Once(spec, c.FirstRun, deliver); err != nil {
			return err
		}
	}

	var srv *http.Server
	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server: %v", err)
			}
		}()
	}

	if err := watcher.Start(s.ctx); err != nil {
		return err
	}
	a.logger.Info("watching %q in %s, next run %s", c.Selector, s.globals.Env, handle.Next().Format(time.RFC3339))

	<-s.ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdown)
	}
	return watcher.Stop(shutdown)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
