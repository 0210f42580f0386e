package command

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorMessageDropsDecoration(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("port already in use"), "port already in use"},
		{"coded", NewValidationError("exec requires a command", map[string]any{"command": "exec"}), "exec requires a command"},
		{"wrapped source", NewHandlerExecutionError(errors.New("port already in use"), map[string]any{"service": "api"}), "port already in use"},
		{"nested coded source", NewHandlerExecutionError(NewStateIOError("disk full", nil, nil), nil), "disk full"},
		{"behind fmt wrap", fmt.Errorf("dispatch: %w", NewTimeoutError(nil, nil)), "handler timed out"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ErrorMessage(tc.err); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFailedResultCarriesCapturedMessage(t *testing.T) {
	b := NewServiceBinding("backend", PlatformPOSIX, "", nil)
	err := NewHandlerExecutionError(errors.New("relaunch failed"), map[string]any{"pid": 4001})

	res := FailedResult(b, KindRestart, err, time.Now(), 0)
	if res.Error != "relaunch failed" {
		t.Fatalf("unexpected error text %q", res.Error)
	}
	if res.ErrorCode != ErrCodeHandlerExecution {
		t.Fatalf("unexpected code %q", res.ErrorCode)
	}

	res = NewCommandResult(b, KindStart, Failed(NewValidationError("command is empty", nil), nil), time.Now(), 0)
	if res.Error != "command is empty" || res.ErrorCode != ErrCodeValidation {
		t.Fatalf("unexpected result %q / %q", res.Error, res.ErrorCode)
	}
}
