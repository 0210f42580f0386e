package posix

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goliatone/go-service-command"
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// Deps are the capabilities the posix platform runs on. Zero fields fall
// back to the operating system.
type Deps struct {
	Manager      ProcessManager
	FS           FileSystem
	Now          func() time.Time
	PollInterval time.Duration
}

// Platform implements the posix handlers and the posix liveness probe.
//
// Binding config keys:
//
//	command       argv of the long running process (list or string)
//	workdir       working directory, also the base for relative paths
//	env           extra environment variables
//	log_file      file receiving stdout and stderr
//	stop_timeout  grace period between SIGTERM and SIGKILL
//	version       version label recorded on start
//	test_command  argv run by test
//	paths         directories created by provision
//	transport     mcp transport reported by check (default stdio)
type Platform struct {
	manager ProcessManager
	fs      FileSystem
	now     func() time.Time
	poll    time.Duration
}

func New(deps Deps) *Platform {
	p := &Platform{
		manager: deps.Manager,
		fs:      deps.FS,
		now:     deps.Now,
		poll:    deps.PollInterval,
	}
	if p.manager == nil {
		p.manager = NewOSProcessManager()
	}
	if p.fs == nil {
		p.fs = osFS{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.poll <= 0 {
		p.poll = defaultPollInterval
	}
	return p
}

// Register builds a Platform from deps and registers it.
func Register(reg *command.Registry, deps Deps) (*Platform, error) {
	p := New(deps)
	return p, p.Register(reg)
}

func (p *Platform) Register(reg *command.Registry) error {
	return reg.RegisterAll(
		p.descriptor(command.KindCheck, command.ServiceTypeGeneric, p.check),
		p.descriptor(command.KindCheck, command.ServiceTypeMCP, p.checkMCP),
		p.descriptor(command.KindStart, command.ServiceTypeGeneric, p.start),
		p.descriptor(command.KindStop, command.ServiceTypeGeneric, p.stop),
		p.descriptor(command.KindRestart, command.ServiceTypeGeneric, p.restart),
		p.descriptor(command.KindUpdate, command.ServiceTypeGeneric, p.update),
		p.descriptor(command.KindProvision, command.ServiceTypeGeneric, p.provision),
		p.descriptor(command.KindExec, command.ServiceTypeGeneric, p.exec),
		p.descriptor(command.KindTest, command.ServiceTypeGeneric, p.test),
	)
}

func (p *Platform) descriptor(kind command.Kind, st command.ServiceType, fn command.HandlerFunc) command.HandlerDescriptor {
	return command.HandlerDescriptor{
		Command:     kind,
		Platform:    command.PlatformPOSIX,
		ServiceType: st,
		Handler:     fn,
	}
}

// IsAlive implements state.Prober for posix records.
func (p *Platform) IsAlive(ctx context.Context, rec command.ResourceState) (bool, error) {
	var st ProcessState
	if err := rec.Decode(&st); err != nil {
		return false, err
	}
	return p.manager.Alive(ctx, st.PID, st.CreateTime)
}

func logger(hc command.HandlerContext) command.Logger {
	if hc.Logger == nil {
		return command.NopLogger{}
	}
	return hc.Logger
}

func (p *Platform) saved(hc command.HandlerContext) *ProcessState {
	if hc.SavedState == nil {
		return nil
	}
	var st ProcessState
	if err := hc.SavedState.Decode(&st); err != nil || st.PID <= 0 {
		return nil
	}
	return &st
}

// live returns the saved process when it is still running.
func (p *Platform) live(ctx context.Context, hc command.HandlerContext) (*ProcessState, error) {
	st := p.saved(hc)
	if st == nil {
		return nil, nil
	}
	alive, err := p.manager.Alive(ctx, st.PID, st.CreateTime)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, nil
	}
	return st, nil
}

func (p *Platform) spec(b command.ServiceBinding, argv []string) StartSpec {
	dir := b.String("workdir", "")
	logFile := b.String("log_file", "")
	if logFile != "" && dir != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(dir, logFile)
	}
	return StartSpec{
		Command: argv,
		Dir:     dir,
		Env:     b.StringMap("env"),
		LogFile: logFile,
	}
}

func (p *Platform) probe(ctx context.Context, hc command.HandlerContext, details map[string]string) (command.CheckExtension, command.StateChange, error) {
	st := p.saved(hc)
	if st == nil {
		return command.CheckExtension{
			Status: command.StatusStopped,
			Health: command.Health{Healthy: false, Message: "no process recorded", Details: details},
		}, command.StateChange{}, nil
	}

	alive, err := p.manager.Alive(ctx, st.PID, st.CreateTime)
	if err != nil {
		return command.CheckExtension{}, command.StateChange{}, err
	}
	if !alive {
		var change command.StateChange
		if !hc.DryRun() {
			change = command.ClearState()
		}
		return command.CheckExtension{
			Status:     command.StatusStopped,
			Health:     command.Health{Healthy: false, Message: fmt.Sprintf("process %d is gone", st.PID), Details: details},
			ResourceID: pidString(st.PID),
			Stale:      true,
		}, change, nil
	}

	if details == nil {
		details = map[string]string{}
	}
	details["pid"] = pidString(st.PID)
	details["started_at"] = st.StartedAt.UTC().Format(time.RFC3339)
	if st.Version != "" {
		details["version"] = st.Version
	}
	return command.CheckExtension{
		Status:     command.StatusRunning,
		Health:     command.Health{Healthy: true, Details: details},
		ResourceID: pidString(st.PID),
	}, command.StateChange{}, nil
}

func (p *Platform) check(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	ext, change, err := p.probe(ctx, hc, nil)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(ext).WithState(change), nil
}

// checkMCP reports the transport an MCP server is reachable on alongside liveness.
func (p *Platform) checkMCP(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	details := map[string]string{"transport": hc.Binding.String("transport", "stdio")}
	if endpoint := hc.Binding.String("endpoint", ""); endpoint != "" {
		details["endpoint"] = endpoint
	}
	ext, change, err := p.probe(ctx, hc, details)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(ext).WithState(change), nil
}

func (p *Platform) launch(ctx context.Context, hc command.HandlerContext, version string) (ProcessState, error) {
	argv := hc.Binding.Strings("command")
	if len(argv) == 0 {
		return ProcessState{}, command.NewValidationError("posix service has no command", map[string]any{"service": hc.Binding.Name})
	}
	spec := p.spec(hc.Binding, argv)
	proc, err := p.manager.Start(ctx, spec)
	if err != nil {
		return ProcessState{}, err
	}
	logger(hc).Info("started %s pid=%d", hc.Binding.Name, proc.PID)
	return ProcessState{
		PID:        proc.PID,
		Command:    argv,
		StartedAt:  p.now(),
		CreateTime: proc.CreateTime,
		LogFile:    spec.LogFile,
		Version:    version,
	}, nil
}

func saveState(st ProcessState) (command.StateChange, error) {
	rec, err := command.NewResourceState(command.PlatformPOSIX, st)
	if err != nil {
		return command.StateChange{}, err
	}
	return command.SaveState(rec), nil
}

func (p *Platform) start(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	current, err := p.live(ctx, hc)
	if err != nil {
		return command.Outcome{}, err
	}
	if current != nil {
		return command.Succeeded(command.StartExtension{
			StartTime:      current.StartedAt,
			ResourceID:     pidString(current.PID),
			AlreadyRunning: true,
		}), nil
	}
	if len(hc.Binding.Strings("command")) == 0 {
		return command.Outcome{}, command.NewValidationError("posix service has no command", map[string]any{"service": hc.Binding.Name})
	}
	if hc.DryRun() {
		return command.Succeeded(command.StartExtension{StartTime: p.now()}), nil
	}

	st, err := p.launch(ctx, hc, hc.Binding.String("version", ""))
	if err != nil {
		return command.Outcome{}, err
	}
	change, err := saveState(st)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.StartExtension{
		StartTime:  st.StartedAt,
		ResourceID: pidString(st.PID),
		Endpoint:   hc.Binding.String("endpoint", ""),
	}).WithState(change), nil
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL
// once the grace period runs out. It reports whether SIGKILL was needed.
func (p *Platform) terminate(ctx context.Context, hc command.HandlerContext, st *ProcessState) (bool, error) {
	if hc.Options.Force {
		return true, p.manager.Signal(st.PID, syscall.SIGKILL)
	}
	if err := p.manager.Signal(st.PID, syscall.SIGTERM); err != nil {
		return false, err
	}

	grace := time.NewTimer(hc.Binding.Duration("stop_timeout", defaultStopTimeout))
	defer grace.Stop()
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		alive, err := p.manager.Alive(ctx, st.PID, st.CreateTime)
		if err != nil {
			return false, err
		}
		if !alive {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-grace.C:
			logger(hc).Warn("%s pid=%d ignored SIGTERM, sending SIGKILL", hc.Binding.Name, st.PID)
			return true, p.manager.Signal(st.PID, syscall.SIGKILL)
		case <-ticker.C:
		}
	}
}

func (p *Platform) stop(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	current, err := p.live(ctx, hc)
	if err != nil {
		return command.Outcome{}, err
	}
	if current == nil {
		out := command.Succeeded(command.StopExtension{NotRunning: true})
		if hc.SavedState != nil && !hc.DryRun() {
			out = out.WithState(command.ClearState())
		}
		return out, nil
	}
	if hc.DryRun() {
		return command.Succeeded(command.StopExtension{StopTime: p.now(), Graceful: !hc.Options.Force}), nil
	}

	forced, err := p.terminate(ctx, hc, current)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.StopExtension{
		StopTime: p.now(),
		Graceful: !forced,
		Forced:   forced,
	}).WithState(command.ClearState()), nil
}

// cycleResult describes a stop-then-launch. tornDown is set once no old
// process remains, even when the relaunch failed.
type cycleResult struct {
	previous *ProcessState
	stopped  time.Time
	next     ProcessState
	tornDown bool
}

// cycle stops the live process, if any, and launches a new one. The stop
// time is taken once the old process is confirmed gone.
func (p *Platform) cycle(ctx context.Context, hc command.HandlerContext, version string) (cycleResult, error) {
	var res cycleResult
	current, err := p.live(ctx, hc)
	if err != nil {
		return res, err
	}
	res.previous = current
	if current != nil {
		if _, err := p.terminate(ctx, hc, current); err != nil {
			return res, err
		}
	}
	res.stopped = p.now()
	res.tornDown = true

	st, err := p.launch(ctx, hc, version)
	if err != nil {
		return res, err
	}
	if !st.StartedAt.After(res.stopped) {
		st.StartedAt = command.ReadingAfter(p.now, res.stopped)
	}
	res.next = st
	return res, nil
}

// relaunchFailed reports a failed cycle. Saved state is cleared once the old
// process is gone so it never names a dead pid.
func relaunchFailed(hc command.HandlerContext, res cycleResult, err error, ext command.Extension) (command.Outcome, error) {
	if !res.tornDown || hc.SavedState == nil {
		return command.Outcome{}, err
	}
	return command.Failed(err, ext).WithState(command.ClearState()), nil
}

func (p *Platform) restart(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	if hc.DryRun() {
		return command.Succeeded(command.RestartExtension{}), nil
	}
	version := hc.Binding.String("version", "")
	if st := p.saved(hc); st != nil && st.Version != "" {
		version = st.Version
	}

	res, err := p.cycle(ctx, hc, version)
	if err != nil {
		return relaunchFailed(hc, res, err, command.RestartExtension{})
	}
	st := res.next
	change, err := saveState(st)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.RestartExtension{
		StopTime:     res.stopped,
		StartTime:    st.StartedAt,
		RestartCount: 1,
		ResourceID:   pidString(st.PID),
	}).WithState(change), nil
}

// update on posix is a restart that records a new version label.
func (p *Platform) update(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	next := hc.Options.Image
	if next == "" {
		next = hc.Binding.String("version", "")
	}
	previous := ""
	if st := p.saved(hc); st != nil {
		previous = st.Version
	}
	if hc.DryRun() {
		return command.Succeeded(command.UpdateExtension{PreviousVersion: previous, NewVersion: next, Strategy: "restart"}), nil
	}

	res, err := p.cycle(ctx, hc, next)
	if err != nil {
		return relaunchFailed(hc, res, err, command.UpdateExtension{
			PreviousVersion: previous,
			NewVersion:      next,
			Strategy:        "restart",
		})
	}
	st := res.next
	change, err := saveState(st)
	if err != nil {
		return command.Outcome{}, err
	}
	var downtime time.Duration
	if res.previous != nil {
		downtime = st.StartedAt.Sub(res.stopped)
	}
	return command.Succeeded(command.UpdateExtension{
		PreviousVersion: previous,
		NewVersion:      next,
		Strategy:        "restart",
		Downtime:        downtime,
	}).WithState(change), nil
}

func (p *Platform) provision(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	base := hc.Binding.String("workdir", "")
	var resources []string
	for _, dir := range hc.Binding.Strings("paths") {
		if base != "" && !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		resources = append(resources, dir)
	}
	if base != "" {
		resources = append([]string{base}, resources...)
	}

	if !hc.DryRun() {
		for _, dir := range resources {
			if err := p.fs.MkdirAll(dir, 0o755); err != nil {
				return command.Outcome{}, fmt.Errorf("create %s: %w", dir, err)
			}
		}
	}
	return command.Succeeded(command.ProvisionExtension{
		Resources:    resources,
		Dependencies: hc.Binding.Strings("depends_on"),
	}), nil
}

func (p *Platform) exec(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	ext := command.ExecExtension{Command: hc.Options.Args}
	if hc.DryRun() {
		return command.Succeeded(ext), nil
	}
	res, err := p.manager.Run(ctx, p.spec(hc.Binding, hc.Options.Args))
	if err != nil {
		return command.Outcome{}, err
	}
	ext.ExitCode = res.ExitCode
	ext.Output = res.Output
	if res.ExitCode != 0 {
		return command.Failed(fmt.Errorf("%s exited with code %d", strings.Join(hc.Options.Args, " "), res.ExitCode), ext), nil
	}
	return command.Succeeded(ext), nil
}

func (p *Platform) test(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	argv := hc.Binding.Strings("test_command")
	if len(argv) == 0 {
		return command.Outcome{}, command.NewValidationError("posix service has no test_command", map[string]any{"service": hc.Binding.Name})
	}
	argv = append(argv, hc.Options.Args...)
	ext := command.TestExtension{Suite: hc.Binding.Name}
	if hc.DryRun() {
		return command.Succeeded(ext), nil
	}

	res, err := p.manager.Run(ctx, p.spec(hc.Binding, argv))
	if err != nil {
		return command.Outcome{}, err
	}
	ext.ExitCode = res.ExitCode
	if res.ExitCode != 0 {
		ext.Failed = 1
		return command.Failed(fmt.Errorf("test suite %s failed with code %d", hc.Binding.Name, res.ExitCode), ext), nil
	}
	ext.Passed = 1
	return command.Succeeded(ext), nil
}
