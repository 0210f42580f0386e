package posix_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-service-command"
	"github.com/goliatone/go-service-command/dispatcher"
	"github.com/goliatone/go-service-command/platform/posix"
	"github.com/goliatone/go-service-command/resolver"
	"github.com/goliatone/go-service-command/state"
)

type fakeProc struct {
	spec       posix.StartSpec
	alive      bool
	ignoreTerm bool
	signals    []syscall.Signal
}

type fakeManager struct {
	mu       sync.Mutex
	nextPID  int
	procs    map[int]*fakeProc
	runs     []posix.StartSpec
	runExit  int
	runOut   string
	stubborn bool
	startErr error
}

var _ posix.ProcessManager = (*fakeManager)(nil)

func newFakeManager() *fakeManager {
	return &fakeManager{nextPID: 4000, procs: map[int]*fakeProc{}}
}

func (m *fakeManager) Start(_ context.Context, spec posix.StartSpec) (posix.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return posix.Process{}, m.startErr
	}
	m.nextPID++
	m.procs[m.nextPID] = &fakeProc{spec: spec, alive: true, ignoreTerm: m.stubborn}
	return posix.Process{PID: m.nextPID, CreateTime: int64(m.nextPID) * 10}, nil
}

func (m *fakeManager) Signal(pid int, sig syscall.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	if !ok {
		return os.ErrProcessDone
	}
	p.signals = append(p.signals, sig)
	if sig == syscall.SIGKILL || !p.ignoreTerm {
		p.alive = false
	}
	return nil
}

func (m *fakeManager) Alive(_ context.Context, pid int, createTime int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	if !ok || !p.alive {
		return false, nil
	}
	return createTime == 0 || createTime == int64(pid)*10, nil
}

func (m *fakeManager) Run(_ context.Context, spec posix.StartSpec) (posix.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, spec)
	return posix.RunResult{ExitCode: m.runExit, Output: m.runOut}, nil
}

func (m *fakeManager) kill(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[pid].alive = false
}

func (m *fakeManager) proc(pid int) fakeProc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.procs[pid]
}

type fakeFS struct {
	dirs []string
}

func (f *fakeFS) MkdirAll(path string, _ os.FileMode) error {
	f.dirs = append(f.dirs, path)
	return nil
}

// tickingClock advances one second on every reading.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	d       *dispatcher.Dispatcher
	catalog *resolver.Catalog
	manager *fakeManager
	fs      *fakeFS
	store   state.Store
}

func newHarness(t *testing.T, services ...resolver.ServiceDef) *harness {
	t.Helper()
	h := &harness{manager: newFakeManager(), fs: &fakeFS{}, store: state.NewMemoryStore()}
	clock := &tickingClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	reg := command.NewRegistry()
	platform, err := posix.Register(reg, posix.Deps{
		Manager:      h.manager,
		FS:           h.fs,
		Now:          clock.Now,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	liveness := state.NewLiveness()
	liveness.Register(command.PlatformPOSIX, platform)

	h.catalog = &resolver.Catalog{
		Services: services,
		Environments: map[string]resolver.Environment{
			"local": {DefaultPlatform: command.PlatformPOSIX},
		},
	}
	h.d = dispatcher.New(reg, h.store, dispatcher.WithLiveness(liveness))
	return h
}

func (h *harness) run(t *testing.T, kind command.Kind, selector string, opts command.Options) command.CommandResults {
	t.Helper()
	agg, err := h.d.Run(context.Background(), h.catalog, kind, selector, "local", opts)
	require.NoError(t, err)
	return agg
}

func (h *harness) saved(t *testing.T, service string) *posix.ProcessState {
	t.Helper()
	rec, err := h.store.Load(context.Background(), "local", service)
	require.NoError(t, err)
	if rec == nil {
		return nil
	}
	var st posix.ProcessState
	require.NoError(t, rec.Decode(&st))
	return &st
}

func backendDef() resolver.ServiceDef {
	return resolver.ServiceDef{
		Name: "backend",
		Config: map[string]any{
			"command":      []any{"./server", "--port", "8080"},
			"workdir":      "/srv/backend",
			"log_file":     "logs/backend.log",
			"stop_timeout": "20ms",
			"version":      "1.4.0",
		},
	}
}

func TestRestartBackend(t *testing.T) {
	h := newHarness(t, backendDef())

	agg := h.run(t, command.KindRestart, "backend", command.Options{})
	require.True(t, agg.Success, "%+v", agg.Results)
	assert.Equal(t, []string{"backend"}, agg.Entities())

	ext := command.ExtensionsOf[command.RestartExtension](agg)
	require.Len(t, ext, 1)
	assert.Equal(t, 1, ext[0].RestartCount)
	assert.True(t, ext[0].StopTime.Before(ext[0].StartTime))

	first := h.saved(t, "backend")
	require.NotNil(t, first)
	assert.Equal(t, "1.4.0", first.Version)
	assert.Equal(t, "/srv/backend/logs/backend.log", first.LogFile)

	agg = h.run(t, command.KindRestart, "backend", command.Options{})
	require.True(t, agg.Success)
	ext = command.ExtensionsOf[command.RestartExtension](agg)
	assert.True(t, ext[0].StopTime.Before(ext[0].StartTime))

	old := h.manager.proc(first.PID)
	assert.False(t, old.alive)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, old.signals)
	assert.NotEqual(t, first.PID, h.saved(t, "backend").PID)
}

func TestRestartClearsStateWhenRelaunchFails(t *testing.T) {
	h := newHarness(t, backendDef())
	h.run(t, command.KindStart, "backend", command.Options{})
	first := h.saved(t, "backend")
	require.NotNil(t, first)

	h.manager.startErr = errors.New("fork/exec ./server: permission denied")
	agg := h.run(t, command.KindRestart, "backend", command.Options{})
	require.False(t, agg.Success)
	assert.Equal(t, "fork/exec ./server: permission denied", agg.Results[0].Error)
	assert.False(t, h.manager.proc(first.PID).alive)
	assert.Nil(t, h.saved(t, "backend"), "state must not point at the stopped process")

	h.manager.startErr = nil
	agg = h.run(t, command.KindCheck, "backend", command.Options{})
	check := command.ExtensionsOf[command.CheckExtension](agg)[0]
	assert.Equal(t, command.StatusStopped, check.Status)
	assert.False(t, check.Stale)
}

func TestUpdateClearsStateWhenRelaunchFails(t *testing.T) {
	h := newHarness(t, backendDef())
	h.run(t, command.KindStart, "backend", command.Options{})

	h.manager.startErr = errors.New("fork/exec ./server: no such file or directory")
	agg := h.run(t, command.KindUpdate, "backend", command.Options{Image: "1.5.0"})
	require.False(t, agg.Success)
	upd := command.ExtensionsOf[command.UpdateExtension](agg)
	require.Len(t, upd, 1)
	assert.Equal(t, "1.4.0", upd[0].PreviousVersion)
	assert.Nil(t, h.saved(t, "backend"))
}

func TestCheckMCPWithoutState(t *testing.T) {
	h := newHarness(t, resolver.ServiceDef{
		Name:   "tools",
		Type:   command.ServiceTypeMCP,
		Config: map[string]any{"command": "./mcp-server", "transport": "sse"},
	})

	agg := h.run(t, command.KindCheck, "tools", command.Options{})
	require.True(t, agg.Success)
	ext := command.ExtensionsOf[command.CheckExtension](agg)[0]
	assert.Equal(t, command.StatusStopped, ext.Status)
	assert.False(t, ext.Health.Healthy)
	assert.Equal(t, "sse", ext.Health.Details["transport"])
	assert.Equal(t, command.ServiceTypeMCP, agg.Results[0].ServiceType)
}

func TestRepeatedCheckReportsSameHealth(t *testing.T) {
	h := newHarness(t, backendDef())
	h.run(t, command.KindStart, "backend", command.Options{})
	st := h.saved(t, "backend")

	first := command.ExtensionsOf[command.CheckExtension](h.run(t, command.KindCheck, "backend", command.Options{}))[0]
	second := command.ExtensionsOf[command.CheckExtension](h.run(t, command.KindCheck, "backend", command.Options{}))[0]
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Health, second.Health)
	assert.Equal(t, st.StartedAt.UTC().Format(time.RFC3339), first.Health.Details["started_at"])
}

func TestStartCheckStop(t *testing.T) {
	h := newHarness(t, backendDef())

	agg := h.run(t, command.KindStart, "backend", command.Options{})
	require.True(t, agg.Success, "%+v", agg.Results)
	st := h.saved(t, "backend")
	require.NotNil(t, st)
	assert.Equal(t, []string{"./server", "--port", "8080"}, st.Command)
	assert.Equal(t, "/srv/backend", h.manager.proc(st.PID).spec.Dir)

	agg = h.run(t, command.KindStart, "backend", command.Options{})
	assert.True(t, command.ExtensionsOf[command.StartExtension](agg)[0].AlreadyRunning)

	agg = h.run(t, command.KindCheck, "backend", command.Options{})
	check := command.ExtensionsOf[command.CheckExtension](agg)[0]
	assert.Equal(t, command.StatusRunning, check.Status)
	assert.Equal(t, "1.4.0", check.Health.Details["version"])

	agg = h.run(t, command.KindStop, "backend", command.Options{})
	require.True(t, agg.Success)
	stop := command.ExtensionsOf[command.StopExtension](agg)[0]
	assert.True(t, stop.Graceful)
	assert.False(t, stop.Forced)
	assert.Nil(t, h.saved(t, "backend"))

	agg = h.run(t, command.KindStop, "backend", command.Options{})
	assert.True(t, command.ExtensionsOf[command.StopExtension](agg)[0].NotRunning)
}

func TestStopEscalatesToKill(t *testing.T) {
	h := newHarness(t, backendDef())
	h.manager.stubborn = true

	h.run(t, command.KindStart, "backend", command.Options{})
	pid := h.saved(t, "backend").PID

	agg := h.run(t, command.KindStop, "backend", command.Options{})
	require.True(t, agg.Success)
	stop := command.ExtensionsOf[command.StopExtension](agg)[0]
	assert.True(t, stop.Forced)
	assert.False(t, stop.Graceful)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, h.manager.proc(pid).signals)
}

func TestForceStopSkipsGracePeriod(t *testing.T) {
	h := newHarness(t, backendDef())
	h.run(t, command.KindStart, "backend", command.Options{})
	pid := h.saved(t, "backend").PID

	agg := h.run(t, command.KindStop, "backend", command.Options{Force: true})
	require.True(t, agg.Success)
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, h.manager.proc(pid).signals)
}

func TestCheckDetectsDeadProcess(t *testing.T) {
	h := newHarness(t, backendDef())
	h.run(t, command.KindStart, "backend", command.Options{})
	h.manager.kill(h.saved(t, "backend").PID)

	agg := h.run(t, command.KindCheck, "backend", command.Options{})
	check := command.ExtensionsOf[command.CheckExtension](agg)[0]
	assert.Equal(t, command.StatusStopped, check.Status)
	assert.True(t, check.Stale)
	assert.Nil(t, h.saved(t, "backend"))
}

func TestCheckDryRunKeepsStaleState(t *testing.T) {
	h := newHarness(t, backendDef())
	h.run(t, command.KindStart, "backend", command.Options{})
	h.manager.kill(h.saved(t, "backend").PID)

	agg := h.run(t, command.KindCheck, "backend", command.Options{DryRun: true})
	assert.True(t, command.ExtensionsOf[command.CheckExtension](agg)[0].Stale)
	assert.NotNil(t, h.saved(t, "backend"))
}

func TestUpdateRecordsVersions(t *testing.T) {
	h := newHarness(t, backendDef())
	h.run(t, command.KindStart, "backend", command.Options{})

	agg := h.run(t, command.KindUpdate, "backend", command.Options{Image: "1.5.0"})
	require.True(t, agg.Success, "%+v", agg.Results)
	upd := command.ExtensionsOf[command.UpdateExtension](agg)[0]
	assert.Equal(t, "1.4.0", upd.PreviousVersion)
	assert.Equal(t, "1.5.0", upd.NewVersion)
	assert.Positive(t, upd.Downtime)
	assert.Equal(t, "1.5.0", h.saved(t, "backend").Version)
}

func TestStartWithoutCommandIsRejected(t *testing.T) {
	h := newHarness(t, resolver.ServiceDef{Name: "ghost"})
	agg := h.run(t, command.KindStart, "ghost", command.Options{})
	assert.False(t, agg.Success)
	assert.Equal(t, command.ErrCodeValidation, agg.Results[0].ErrorCode)
}

func TestExecAndTest(t *testing.T) {
	def := backendDef()
	def.Config["test_command"] = []any{"go", "test", "./..."}
	h := newHarness(t, def)
	h.manager.runOut = "ok"

	agg := h.run(t, command.KindExec, "backend", command.Options{Args: []string{"ls", "-la"}})
	require.True(t, agg.Success)
	ext := command.ExtensionsOf[command.ExecExtension](agg)[0]
	assert.Equal(t, "ok", ext.Output)
	assert.Equal(t, []string{"ls", "-la"}, h.manager.runs[0].Command)

	agg = h.run(t, command.KindTest, "backend", command.Options{Args: []string{"-run", "TestX"}})
	require.True(t, agg.Success)
	assert.Equal(t, []string{"go", "test", "./...", "-run", "TestX"}, h.manager.runs[1].Command)
	assert.Equal(t, 1, command.ExtensionsOf[command.TestExtension](agg)[0].Passed)

	h.manager.runExit = 2
	agg = h.run(t, command.KindExec, "backend", command.Options{Args: []string{"false"}})
	assert.False(t, agg.Success)
	assert.Equal(t, 2, command.ExtensionsOf[command.ExecExtension](agg)[0].ExitCode)
}

func TestProvisionCreatesDirectories(t *testing.T) {
	def := backendDef()
	def.Config["paths"] = []any{"data", "/var/log/backend"}
	h := newHarness(t, def)

	agg := h.run(t, command.KindProvision, "backend", command.Options{DryRun: true})
	require.True(t, agg.Success)
	assert.Empty(t, h.fs.dirs)

	agg = h.run(t, command.KindProvision, "backend", command.Options{})
	require.True(t, agg.Success)
	want := []string{"/srv/backend", "/srv/backend/data", "/var/log/backend"}
	assert.Equal(t, want, h.fs.dirs)
	assert.Equal(t, want, command.ExtensionsOf[command.ProvisionExtension](agg)[0].Resources)
}

func TestBackupIsNotImplemented(t *testing.T) {
	h := newHarness(t, backendDef())
	agg := h.run(t, command.KindBackup, "backend", command.Options{})
	assert.False(t, agg.Success)
	assert.Equal(t, command.ErrCodeNotImplemented, agg.Results[0].ErrorCode)
}

func TestReconcileUsesProcessLiveness(t *testing.T) {
	h := newHarness(t, backendDef(), resolver.ServiceDef{Name: "worker", Config: map[string]any{"command": "./worker"}})
	h.run(t, command.KindStart, "all", command.Options{})
	h.manager.kill(h.saved(t, "worker").PID)

	report, err := h.d.Reconcile(context.Background(), "local", command.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"backend"}, report.Live)
	assert.Equal(t, []string{"worker"}, report.Pruned)
}
