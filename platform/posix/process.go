// Package posix runs services as local operating system processes.
package posix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/goliatone/go-service-command"
)

// ProcessState is the saved payload for a posix service.
// CreateTime guards against the PID being reused by an unrelated process.
type ProcessState struct {
	PID        int       `json:"pid"`
	Command    []string  `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	CreateTime int64     `json:"create_time,omitempty"`
	LogFile    string    `json:"log_file,omitempty"`
	Version    string    `json:"version,omitempty"`
}

// StartSpec describes a process to launch.
type StartSpec struct {
	Command []string
	Dir     string
	Env     map[string]string
	LogFile string
}

// Process identifies a launched process.
type Process struct {
	PID        int
	CreateTime int64
}

// RunResult is the outcome of a foreground command.
type RunResult struct {
	ExitCode int
	Output   string
}

// ProcessManager is the process capability the posix handlers use.
type ProcessManager interface {
	Start(ctx context.Context, spec StartSpec) (Process, error)
	Signal(pid int, sig syscall.Signal) error
	Alive(ctx context.Context, pid int, createTime int64) (bool, error)
	Run(ctx context.Context, spec StartSpec) (RunResult, error)
}

// FileSystem is the filesystem capability used by provision.
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
}

type osFS struct{}

func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

// OSProcessManager manages real processes. Started processes get their own
// process group so signals reach their children too.
type OSProcessManager struct{}

var _ ProcessManager = OSProcessManager{}

func NewOSProcessManager() OSProcessManager { return OSProcessManager{} }

func (OSProcessManager) Start(ctx context.Context, spec StartSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return Process{}, command.NewValidationError("process command is empty", nil)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = detachedAttr()

	var logFile *os.File
	if spec.LogFile != "" {
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return Process{}, fmt.Errorf("open log file %s: %w", spec.LogFile, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return Process{}, err
	}

	// reap the child so it never lingers as a zombie in long running callers
	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
	}()

	proc := Process{PID: cmd.Process.Pid}
	if p, err := process.NewProcessWithContext(ctx, int32(proc.PID)); err == nil {
		if ct, err := p.CreateTimeWithContext(ctx); err == nil {
			proc.CreateTime = ct
		}
	}
	return proc, nil
}

func (OSProcessManager) Signal(pid int, sig syscall.Signal) error {
	if err := signalGroup(pid, sig); err == nil {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

// Alive reports whether pid is running, is not a zombie and, when createTime
// is known, is still the same process.
func (OSProcessManager) Alive(ctx context.Context, pid int, createTime int64) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false, err
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	if createTime > 0 {
		ct, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			return false, err
		}
		if ct != createTime {
			return false, nil
		}
	}
	if status, err := p.StatusWithContext(ctx); err == nil && slices.Contains(status, process.Zombie) {
		return false, nil
	}
	return true, nil
}

func (OSProcessManager) Run(ctx context.Context, spec StartSpec) (RunResult, error) {
	if len(spec.Command) == 0 {
		return RunResult{}, command.NewValidationError("process command is empty", nil)
	}
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	out, err := cmd.CombinedOutput()
	res := RunResult{Output: string(out)}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, err
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func pidString(pid int) string { return strconv.Itoa(pid) }
