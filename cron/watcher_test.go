package cron_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-service-command"
	"github.com/goliatone/go-service-command/cron"
	"github.com/goliatone/go-service-command/dispatcher"
	"github.com/goliatone/go-service-command/platform/mock"
	"github.com/goliatone/go-service-command/resolver"
	"github.com/goliatone/go-service-command/state"
)

func newWatcher(t *testing.T) (*cron.Watcher, *dispatcher.Dispatcher, *resolver.Catalog) {
	t.Helper()
	reg := command.NewRegistry()
	require.NoError(t, mock.Register(reg, mock.NewSimulator()))
	require.NoError(t, reg.Initialize())

	catalog := &resolver.Catalog{
		Services: []resolver.ServiceDef{
			{Name: "api", Groups: []string{"edge"}},
			{Name: "worker"},
		},
		Environments: map[string]resolver.Environment{
			"dev": {DefaultPlatform: command.PlatformMock},
		},
	}
	d := dispatcher.New(reg, state.NewMemoryStore())
	w := cron.NewWatcher(cron.NewScheduler(cron.WithErrorHandler(func(error) {})), d, catalog, nil)
	return w, d, catalog
}

func TestWatchDeliversCheckAggregates(t *testing.T) {
	w, d, catalog := newWatcher(t)

	_, err := d.Run(context.Background(), catalog, command.KindStart, "api", "dev", command.Options{})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []command.CommandResults
	handle, err := w.Watch(cron.Watch{Expression: "@every 1s", Selector: "all", Environment: "dev"}, func(agg command.CommandResults) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, agg)
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	agg := got[0]
	mu.Unlock()
	assert.Equal(t, command.KindCheck, agg.Command)
	assert.Equal(t, []string{"api", "worker"}, agg.Entities())
	checks := command.ExtensionsOf[command.CheckExtension](agg)
	require.Len(t, checks, 2)
	assert.Equal(t, command.StatusRunning, checks[0].Status)
	assert.Equal(t, command.StatusStopped, checks[1].Status)
	assert.NoError(t, handle.Err())
}

func TestWatchReportsSelectorErrors(t *testing.T) {
	w, _, _ := newWatcher(t)

	delivered := make(chan command.CommandResults, 1)
	handle, err := w.Watch(cron.Watch{Expression: "@every 1s", Selector: "missing", Environment: "dev"}, func(agg command.CommandResults) {
		select {
		case delivered <- agg:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	select {
	case agg := <-delivered:
		assert.False(t, agg.Success)
		assert.Empty(t, agg.Results)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a delivery")
	}
	require.Eventually(t, func() bool { return handle.Err() != nil }, time.Second, 10*time.Millisecond)
}

func TestWatchRejectsInvalidSpecs(t *testing.T) {
	w, _, _ := newWatcher(t)

	cases := []cron.Watch{
		{Expression: "@every 1s", Selector: "api", Environment: "dev", Kind: command.KindRestart},
		{Expression: "@every 1s", Selector: "", Environment: "dev"},
		{Expression: "@every 1s", Selector: "api"},
		{Expression: "", Selector: "api", Environment: "dev"},
		{Expression: "@every 1s", Selector: "api", Environment: "dev", Kind: "reboot"},
	}
	for _, spec := range cases {
		_, err := w.Watch(spec, nil)
		assert.True(t, command.IsValidation(err), "%+v: %v", spec, err)
	}
}

func TestOnceRunsWithoutStart(t *testing.T) {
	w, d, catalog := newWatcher(t)
	_, err := d.Run(context.Background(), catalog, command.KindStart, "api", "dev", command.Options{})
	require.NoError(t, err)

	delivered := make(chan command.CommandResults, 1)
	handle, err := w.Once(cron.Watch{Selector: "api", Environment: "dev"}, 10*time.Millisecond, func(agg command.CommandResults) {
		delivered <- agg
	})
	require.NoError(t, err)
	defer w.Stop(context.Background())

	select {
	case agg := <-delivered:
		assert.Equal(t, command.KindCheck, agg.Command)
		assert.True(t, agg.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a delivery")
	}
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected the one-shot to complete")
	}
	assert.Equal(t, cron.ScheduleStatusCompleted, handle.Status())
}

func TestOnceRejectsMutatingCommands(t *testing.T) {
	w, _, _ := newWatcher(t)
	_, err := w.Once(cron.Watch{Selector: "api", Environment: "dev", Kind: command.KindStop}, 0, nil)
	assert.True(t, command.IsValidation(err))
}
