package command

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAt = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestAggregate(t *testing.T) {
	api := NewServiceBinding("api", PlatformMock, ServiceTypeWeb, nil)
	db := NewServiceBinding("db", PlatformMock, ServiceTypeDatabase, nil)

	ok := NewCommandResult(api, KindCheck, Succeeded(CheckExtension{Status: StatusRunning}), testAt, time.Millisecond)
	bad := NewCommandResult(db, KindCheck, Failed(errors.New("down"), CheckExtension{Status: StatusStopped}), testAt, time.Millisecond)

	agg := Aggregate("run-1", KindCheck, "dev", "all", testAt, time.Second, []CommandResult{ok, bad})
	assert.False(t, agg.Success)
	assert.Equal(t, 1, agg.Succeeded)
	assert.Equal(t, 1, agg.Failed)
	assert.Equal(t, []string{"api", "db"}, agg.Entities())

	r, found := agg.Result("db")
	require.True(t, found)
	assert.Equal(t, "down", r.Error)
	assert.Equal(t, ErrCodeHandlerExecution, r.ErrorCode, "plain errors are reported as handler failures")

	_, found = agg.Result("missing")
	assert.False(t, found)

	checks := ExtensionsOf[CheckExtension](agg)
	require.Len(t, checks, 2)
	assert.Equal(t, StatusRunning, checks[0].Status)
	assert.Empty(t, ExtensionsOf[StartExtension](agg))

	all := Aggregate("run-2", KindCheck, "dev", "all", testAt, 0, []CommandResult{ok})
	assert.True(t, all.Success)

	empty := Aggregate("run-3", KindCheck, "dev", "none-*", testAt, 0, nil)
	assert.False(t, empty.Success, "an empty aggregate is not a success")
}

func TestNewCommandResultRejectsMismatchedExtension(t *testing.T) {
	b := NewServiceBinding("api", PlatformMock, "", nil)

	res := NewCommandResult(b, KindStop, Succeeded(StartExtension{StartTime: testAt}), testAt, 0)
	assert.False(t, res.Success)
	assert.Nil(t, res.Extensions)
	assert.Equal(t, ErrCodeHandlerExecution, res.ErrorCode)
	assert.Equal(t, ServiceTypeGeneric, res.ServiceType)
}

func TestNewCommandResultKeepsFailureCode(t *testing.T) {
	b := NewServiceBinding("api", PlatformMock, "", nil)

	res := NewCommandResult(b, KindStart, Failed(NewTimeoutError(nil, nil), nil), testAt, 0)
	assert.False(t, res.Success)
	assert.Equal(t, ErrCodeHandlerTimeout, res.ErrorCode)

	res = NewCommandResult(b, KindStart, Outcome{Success: false}, testAt, 0)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, ErrCodeHandlerExecution, res.ErrorCode)
}

func TestCommandResultJSONCarriesTaggedExtension(t *testing.T) {
	b := NewServiceBinding("api", PlatformPOSIX, ServiceTypeWeb, nil)
	res := NewCommandResult(b, KindStart, Succeeded(StartExtension{
		StartTime:  testAt,
		ResourceID: "pid:42",
	}).WithMetadata(map[string]any{"pid": 42}), testAt, 2*time.Second)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"start"`)
	assert.Contains(t, string(data), `"serviceType":"web"`)

	var back CommandResult
	require.NoError(t, json.Unmarshal(data, &back))
	ext, ok := back.Extensions.(StartExtension)
	require.True(t, ok, "got %T", back.Extensions)
	assert.Equal(t, "pid:42", ext.ResourceID)
	assert.True(t, ext.StartTime.Equal(testAt))
	assert.Equal(t, 2*time.Second, back.Duration)
}

func TestOutcomeBuilders(t *testing.T) {
	rec, err := NewResourceState(PlatformMock, map[string]string{"id": "x"})
	require.NoError(t, err)

	out := Succeeded(nil).
		WithMetadata(map[string]any{"a": 1}).
		WithMetadata(map[string]any{"b": 2}).
		WithState(SaveState(rec))
	assert.True(t, out.Success)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, out.Metadata)
	assert.True(t, out.State.IsSave())
	assert.True(t, out.State.Record().Equal(rec))

	assert.True(t, Failed(nil, nil).State.IsKeep())
	assert.True(t, Failed(nil, nil).WithState(ClearState()).State.IsClear())
}
