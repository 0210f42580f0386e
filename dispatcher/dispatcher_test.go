package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-service-command"
	"github.com/goliatone/go-service-command/resolver"
	"github.com/goliatone/go-service-command/state"
)

func testCatalog(names ...string) *resolver.Catalog {
	c := &resolver.Catalog{
		Environments: map[string]resolver.Environment{
			"dev": {DefaultPlatform: command.PlatformMock},
		},
	}
	for _, n := range names {
		c.Services = append(c.Services, resolver.ServiceDef{Name: n})
	}
	return c
}

func register(t *testing.T, reg *command.Registry, kind command.Kind, fn command.HandlerFunc) {
	t.Helper()
	require.NoError(t, reg.Register(command.HandlerDescriptor{
		Command:  kind,
		Platform: command.PlatformMock,
		Handler:  fn,
	}))
}

func checkOK(_ context.Context, _ command.HandlerContext) (command.Outcome, error) {
	return command.Succeeded(command.CheckExtension{Status: command.StatusRunning, Health: command.Health{Healthy: true}}), nil
}

func TestRunPreservesResolutionOrder(t *testing.T) {
	reg := command.NewRegistry()
	delays := map[string]time.Duration{"a": 30 * time.Millisecond, "b": 10 * time.Millisecond, "c": 0}
	register(t, reg, command.KindCheck, func(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
		time.Sleep(delays[hc.Binding.Name])
		return checkOK(ctx, hc)
	})

	d := New(reg, nil, WithConcurrency(3))
	agg, err := d.Run(context.Background(), testCatalog("a", "b", "c"), command.KindCheck, "a,b,c", "dev", command.Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, agg.Entities())
	assert.True(t, agg.Success)
	assert.Equal(t, 3, agg.Succeeded)
	assert.NotEmpty(t, agg.RunID)
	assert.Equal(t, "dev", agg.Environment)
}

func TestRunEmptySelectorInvokesNothing(t *testing.T) {
	reg := command.NewRegistry()
	var calls atomic.Int32
	register(t, reg, command.KindStop, func(context.Context, command.HandlerContext) (command.Outcome, error) {
		calls.Add(1)
		return command.Succeeded(command.StopExtension{}), nil
	})

	d := New(reg, nil)
	agg, err := d.Run(context.Background(), testCatalog("a"), command.KindStop, "", "dev", command.Options{})
	require.Error(t, err)
	assert.True(t, command.IsValidation(err))
	assert.False(t, agg.Success)
	assert.Empty(t, agg.Results)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	d := New(command.NewRegistry(), nil)
	_, err := d.Run(context.Background(), testCatalog("a"), command.KindExec, "a", "dev", command.Options{})
	assert.True(t, command.IsValidation(err), "exec without args should be rejected, got %v", err)

	_, err = d.Run(context.Background(), testCatalog("a"), command.Kind("explode"), "a", "dev", command.Options{})
	assert.True(t, command.IsValidation(err))
}

func TestPanicIsIsolatedToItsBinding(t *testing.T) {
	reg := command.NewRegistry()
	register(t, reg, command.KindCheck, func(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
		if hc.Binding.Name == "bad" {
			panic("handler blew up")
		}
		return checkOK(ctx, hc)
	})

	d := New(reg, nil, WithConcurrency(2))
	agg, err := d.Run(context.Background(), testCatalog("good", "bad", "other"), command.KindCheck, "all", "dev", command.Options{})
	require.NoError(t, err)
	require.Len(t, agg.Results, 3)

	assert.False(t, agg.Success)
	assert.Equal(t, 2, agg.Succeeded)
	assert.Equal(t, 1, agg.Failed)

	bad, ok := agg.Result("bad")
	require.True(t, ok)
	assert.False(t, bad.Success)
	assert.NotEmpty(t, bad.Error)
	assert.Equal(t, command.ErrCodeHandlerExecution, bad.ErrorCode)

	for _, name := range []string{"good", "other"} {
		r, _ := agg.Result(name)
		assert.True(t, r.Success, name)
	}
}

func TestHandlerErrorBecomesFailedResult(t *testing.T) {
	reg := command.NewRegistry()
	register(t, reg, command.KindStart, func(context.Context, command.HandlerContext) (command.Outcome, error) {
		return command.Outcome{}, errors.New("port already in use")
	})

	d := New(reg, nil)
	res := d.Dispatch(context.Background(), "dev", command.NewServiceBinding("api", command.PlatformMock, "", nil), command.KindStart, command.Options{})
	assert.False(t, res.Success)
	assert.Equal(t, "port already in use", res.Error)
	assert.Equal(t, command.ErrCodeHandlerExecution, res.ErrorCode)
}

func TestTimeoutSkipsStateWrite(t *testing.T) {
	reg := command.NewRegistry()
	register(t, reg, command.KindStart, func(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
		time.Sleep(200 * time.Millisecond)
		rec, _ := command.NewResourceState(command.PlatformMock, map[string]string{"id": "late"})
		return command.Succeeded(command.StartExtension{StartTime: time.Now()}).WithState(command.SaveState(rec)), nil
	})

	store := state.NewMemoryStore()
	d := New(reg, store)
	binding := command.NewServiceBinding("slow", command.PlatformMock, "", nil)
	res := d.Dispatch(context.Background(), "dev", binding, command.KindStart, command.Options{Timeout: 20 * time.Millisecond})

	assert.False(t, res.Success)
	assert.Equal(t, command.ErrCodeHandlerTimeout, res.ErrorCode)

	time.Sleep(250 * time.Millisecond)
	rec, err := store.Load(context.Background(), "dev", "slow")
	require.NoError(t, err)
	assert.Nil(t, rec, "a timed out handler must not persist state")
}

func TestRunTimeoutIsSharedByBindings(t *testing.T) {
	reg := command.NewRegistry()
	work := map[string]time.Duration{"a": 30 * time.Millisecond, "b": time.Second, "c": 10 * time.Millisecond}
	register(t, reg, command.KindCheck, func(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
		select {
		case <-ctx.Done():
			return command.Outcome{}, ctx.Err()
		case <-time.After(work[hc.Binding.Name]):
		}
		return checkOK(ctx, hc)
	})

	d := New(reg, nil, WithConcurrency(1), WithRunTimeout(150*time.Millisecond))
	agg, err := d.Run(context.Background(), testCatalog("a", "b", "c"), command.KindCheck, "a,b,c", "dev", command.Options{})
	require.NoError(t, err)
	require.Len(t, agg.Results, 3)

	assert.True(t, agg.Results[0].Success)
	assert.Equal(t, command.ErrCodeHandlerTimeout, agg.Results[1].ErrorCode)
	assert.Equal(t, command.ErrCodeHandlerTimeout, agg.Results[2].ErrorCode, "later bindings get what is left of the run")
	assert.Less(t, agg.Duration, time.Second)
}

func TestNotImplemented(t *testing.T) {
	d := New(command.NewRegistry(), nil)
	res := d.Dispatch(context.Background(), "dev", command.NewServiceBinding("api", command.PlatformMock, command.ServiceTypeWeb, nil), command.KindBackup, command.Options{})
	assert.False(t, res.Success)
	assert.Equal(t, command.ErrCodeNotImplemented, res.ErrorCode)
}

func TestStateChangesAreApplied(t *testing.T) {
	reg := command.NewRegistry()
	register(t, reg, command.KindStart, func(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
		rec, err := command.NewResourceState(command.PlatformMock, map[string]string{"id": "i-1"})
		if err != nil {
			return command.Outcome{}, err
		}
		return command.Succeeded(command.StartExtension{StartTime: time.Now(), ResourceID: "i-1"}).WithState(command.SaveState(rec)), nil
	})

	var seen *command.ResourceState
	register(t, reg, command.KindStop, func(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
		seen = hc.SavedState
		return command.Succeeded(command.StopExtension{StopTime: time.Now(), Graceful: true}).WithState(command.ClearState()), nil
	})

	store := state.NewMemoryStore()
	d := New(reg, store)
	binding := command.NewServiceBinding("api", command.PlatformMock, "", nil)

	res := d.Dispatch(context.Background(), "dev", binding, command.KindStart, command.Options{})
	require.True(t, res.Success, res.Error)

	rec, err := store.Load(context.Background(), "dev", "api")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.SavedAt.IsZero())

	res = d.Dispatch(context.Background(), "dev", binding, command.KindStop, command.Options{})
	require.True(t, res.Success, res.Error)
	require.NotNil(t, seen, "stop should receive the saved state")
	assert.True(t, rec.Equal(*seen))

	rec, err = store.Load(context.Background(), "dev", "api")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDryRunIsSequentialAndStateless(t *testing.T) {
	reg := command.NewRegistry()
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
	)
	register(t, reg, command.KindStart, func(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		if !hc.DryRun() {
			t.Errorf("handler should see dry run")
		}
		rec, _ := command.NewResourceState(command.PlatformMock, map[string]string{"id": hc.Binding.Name})
		return command.Succeeded(command.StartExtension{StartTime: time.Now()}).WithState(command.SaveState(rec)), nil
	})

	store := state.NewMemoryStore()
	d := New(reg, store, WithConcurrency(4))
	agg, err := d.Run(context.Background(), testCatalog("a", "b", "c", "d"), command.KindStart, "all", "dev", command.Options{DryRun: true})
	require.NoError(t, err)
	require.True(t, agg.Success)
	assert.Equal(t, int32(1), maxSeen.Load())

	for _, r := range agg.Results {
		assert.Equal(t, true, r.Metadata["dryRun"])
	}
	entries, err := store.List(context.Background(), "dev")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrencyIsBounded(t *testing.T) {
	reg := command.NewRegistry()
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	register(t, reg, command.KindCheck, func(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return checkOK(ctx, hc)
	})

	d := New(reg, nil, WithConcurrency(8))
	agg, err := d.Run(context.Background(), testCatalog("a", "b", "c", "d", "e", "f"), command.KindCheck, "all", "dev", command.Options{Concurrency: 2})
	require.NoError(t, err)
	assert.Len(t, agg.Results, 6)
	assert.LessOrEqual(t, maxSeen, 2)
}

type brokenStore struct {
	*state.MemoryStore
}

func (brokenStore) Load(context.Context, string, string) (*command.ResourceState, error) {
	return nil, command.NewStateIOError("corrupt resource state", nil, nil)
}

func TestUnreadableStateIsTreatedAsAbsent(t *testing.T) {
	reg := command.NewRegistry()
	var gotNil bool
	register(t, reg, command.KindCheck, func(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
		gotNil = hc.SavedState == nil
		return checkOK(ctx, hc)
	})

	d := New(reg, brokenStore{state.NewMemoryStore()})
	res := d.Dispatch(context.Background(), "dev", command.NewServiceBinding("api", command.PlatformMock, "", nil), command.KindCheck, command.Options{})
	assert.True(t, res.Success)
	assert.True(t, gotNil)
}

func TestMismatchedExtensionFailsAndSkipsState(t *testing.T) {
	reg := command.NewRegistry()
	register(t, reg, command.KindStart, func(context.Context, command.HandlerContext) (command.Outcome, error) {
		rec, _ := command.NewResourceState(command.PlatformMock, map[string]string{"id": "x"})
		return command.Succeeded(command.StopExtension{}).WithState(command.SaveState(rec)), nil
	})

	store := state.NewMemoryStore()
	d := New(reg, store)
	res := d.Dispatch(context.Background(), "dev", command.NewServiceBinding("api", command.PlatformMock, "", nil), command.KindStart, command.Options{})
	assert.False(t, res.Success)

	rec, err := store.Load(context.Background(), "dev", "api")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPrometheusMetrics(t *testing.T) {
	reg := command.NewRegistry()
	register(t, reg, command.KindCheck, checkOK)

	promReg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(promReg, "svcctl")
	require.NoError(t, err)

	d := New(reg, nil, WithMetrics(metrics))
	_, err = d.Run(context.Background(), testCatalog("a", "b"), command.KindCheck, "all", "dev", command.Options{})
	require.NoError(t, err)
	d.Dispatch(context.Background(), "dev", command.NewServiceBinding("x", command.PlatformMock, "", nil), command.KindBackup, command.Options{})

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.results.WithLabelValues("check", "mock", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.results.WithLabelValues("backup", "mock", "not_implemented")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("check", "success")))

	_, err = NewPrometheusMetrics(promReg, "svcctl")
	assert.Error(t, err, "registering twice should fail")
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	save := func(name string, platform command.Platform, id string) {
		rec, err := command.NewResourceState(platform, map[string]string{"id": id})
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, "dev", name, rec))
	}
	save("alive", command.PlatformMock, "up")
	save("dead", command.PlatformMock, "down")
	save("cloud", command.PlatformAWS, "svc")

	liveness := state.NewLiveness()
	liveness.Register(command.PlatformMock, state.ProberFunc(func(_ context.Context, rec command.ResourceState) (bool, error) {
		var payload map[string]string
		if err := rec.Decode(&payload); err != nil {
			return false, err
		}
		return payload["id"] == "up", nil
	}))

	d := New(command.NewRegistry(), store, WithLiveness(liveness))

	report, err := d.Reconcile(ctx, "dev", command.Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"dead"}, report.Pruned)
	entries, _ := store.List(ctx, "dev")
	assert.Len(t, entries, 3, "dry run must not clear anything")

	report, err = d.Reconcile(ctx, "dev", command.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, report.Live)
	assert.Equal(t, []string{"dead"}, report.Pruned)
	assert.Equal(t, []string{"cloud"}, report.Unverified)

	entries, _ = store.List(ctx, "dev")
	assert.Len(t, entries, 2)
}

func TestReconcileSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := state.NewFileStore(dir)
	for _, name := range []string{"alive", "dead"} {
		rec, err := command.NewResourceState(command.PlatformMock, map[string]string{"id": name})
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, "dev", name, rec))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev", "broken.json"), []byte(`{"platform":`), 0o644))

	liveness := state.NewLiveness()
	liveness.Register(command.PlatformMock, state.ProberFunc(func(_ context.Context, rec command.ResourceState) (bool, error) {
		var payload map[string]string
		if err := rec.Decode(&payload); err != nil {
			return false, err
		}
		return payload["id"] == "alive", nil
	}))
	d := New(command.NewRegistry(), store, WithLiveness(liveness))

	report, err := d.Reconcile(ctx, "dev", command.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, report.Live)
	assert.Equal(t, []string{"dead"}, report.Pruned)
	require.Contains(t, report.Errors, "broken")
	assert.Equal(t, "corrupt resource state", report.Errors["broken"])

	_, err = os.Stat(filepath.Join(dir, "dev", "broken.json"))
	assert.NoError(t, err, "unreadable records are reported, not removed")
}
