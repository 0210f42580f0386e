package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(tag string) HandlerFunc {
	return func(ctx context.Context, hc HandlerContext) (Outcome, error) {
		return Succeeded(nil).WithMetadata(map[string]any{"handler": tag}), nil
	}
}

func handlerTag(t *testing.T, d HandlerDescriptor) string {
	t.Helper()
	out, err := d.Handler.Handle(context.Background(), HandlerContext{})
	require.NoError(t, err)
	return out.Metadata["handler"].(string)
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(HandlerDescriptor{
		Command:  KindStart,
		Platform: PlatformPOSIX,
		Handler:  noopHandler("generic"),
	}))
	require.NoError(t, reg.Register(HandlerDescriptor{
		Command:     KindStart,
		Platform:    PlatformPOSIX,
		ServiceType: ServiceTypeWeb,
		Handler:     noopHandler("web"),
	}))
	require.NoError(t, reg.Initialize())

	d, err := reg.Resolve(PlatformPOSIX, KindStart, ServiceTypeWeb)
	require.NoError(t, err)
	assert.Equal(t, "web", handlerTag(t, d))

	d, err = reg.Resolve(PlatformPOSIX, KindStart, ServiceTypeDatabase)
	require.NoError(t, err)
	assert.Equal(t, "generic", handlerTag(t, d), "unknown service types fall back to generic")
	assert.Equal(t, ServiceTypeGeneric, d.ServiceType)

	d, err = reg.Resolve(PlatformPOSIX, KindStart, "")
	require.NoError(t, err)
	assert.Equal(t, "generic", handlerTag(t, d))
}

func TestRegistryResolveNotImplemented(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(HandlerDescriptor{
		Command:     KindBackup,
		Platform:    PlatformAWS,
		ServiceType: ServiceTypeDatabase,
		Handler:     noopHandler("rds"),
	}))

	_, err := reg.Resolve(PlatformAWS, KindBackup, ServiceTypeWeb)
	require.Error(t, err)
	assert.True(t, IsNotImplemented(err))
	assert.Equal(t, ErrCodeNotImplemented, ErrorCode(err))

	_, err = reg.Resolve(PlatformPOSIX, KindBackup, ServiceTypeDatabase)
	assert.True(t, IsNotImplemented(err))

	assert.True(t, reg.Supports(PlatformAWS, KindBackup, ServiceTypeDatabase))
	assert.False(t, reg.Supports(PlatformAWS, KindBackup, ServiceTypeGeneric))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	d := HandlerDescriptor{Command: KindCheck, Platform: PlatformMock, Handler: noopHandler("a")}
	require.NoError(t, reg.Register(d))

	err := reg.Register(d)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// An empty service type is the generic type, so this collides too.
	d.ServiceType = ServiceTypeGeneric
	assert.True(t, IsConflict(reg.Register(d)))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryValidatesDescriptors(t *testing.T) {
	cases := []struct {
		name string
		d    HandlerDescriptor
	}{
		{"nil handler", HandlerDescriptor{Command: KindCheck, Platform: PlatformMock}},
		{"unknown command", HandlerDescriptor{Command: "reboot", Platform: PlatformMock, Handler: noopHandler("x")}},
		{"unknown platform", HandlerDescriptor{Command: KindCheck, Platform: "mainframe", Handler: noopHandler("x")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewRegistry().Register(tc.d)
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRegistrySealedAfterInitialize(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Initialize())

	err := reg.Register(HandlerDescriptor{Command: KindCheck, Platform: PlatformMock, Handler: noopHandler("late")})
	require.Error(t, err)
	assert.Equal(t, ErrCodeRegistrySealed, ErrorCode(err))

	err = reg.Initialize()
	assert.Equal(t, ErrCodeRegistrySealed, ErrorCode(err))
}

func TestRegisterAllJoinsFailures(t *testing.T) {
	reg := NewRegistry()
	err := reg.RegisterAll(
		HandlerDescriptor{Command: KindCheck, Platform: PlatformMock, Handler: noopHandler("a")},
		HandlerDescriptor{Command: KindCheck, Platform: PlatformMock, Handler: noopHandler("b")},
		HandlerDescriptor{Command: KindStop, Platform: PlatformMock, Handler: noopHandler("c")},
		HandlerDescriptor{Command: KindStop, Platform: PlatformMock},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler already registered")
	assert.Contains(t, err.Error(), "handler cannot be nil")
	assert.Equal(t, 2, reg.Len(), "valid descriptors are still registered")
}

func TestMustRegisterPanicsOnConflict(t *testing.T) {
	d := HandlerDescriptor{Command: KindCheck, Platform: PlatformMock, Handler: noopHandler("a")}
	reg := NewRegistry().MustRegister(d)
	assert.Panics(t, func() { reg.MustRegister(d) })
}

func TestRegistryDescriptorsAreSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterAll(
		HandlerDescriptor{Command: KindStop, Platform: PlatformPOSIX, Handler: noopHandler("1")},
		HandlerDescriptor{Command: KindCheck, Platform: PlatformPOSIX, ServiceType: ServiceTypeWeb, Handler: noopHandler("2")},
		HandlerDescriptor{Command: KindCheck, Platform: PlatformAWS, Handler: noopHandler("3")},
		HandlerDescriptor{Command: KindCheck, Platform: PlatformPOSIX, Handler: noopHandler("4")},
	))

	var got []string
	for _, d := range reg.Descriptors() {
		got = append(got, string(d.Platform)+"/"+string(d.Command)+"/"+string(d.ServiceType))
	}
	assert.Equal(t, []string{
		"aws/check/generic",
		"posix/check/generic",
		"posix/check/web",
		"posix/stop/generic",
	}, got)
}
