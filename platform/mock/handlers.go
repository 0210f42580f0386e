package mock

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/goliatone/go-service-command"
)

// Register adds a generic handler for every command to reg.
//
// Bindings can inject faults through their config, each key holding a list
// of command names or "all":
//
//	fail:  return an error
//	panic: panic inside the handler
//	hang:  block until the context is done
func Register(reg *command.Registry, sim *Simulator) error {
	if sim == nil {
		sim = NewSimulator()
	}
	h := &handlers{sim: sim}
	impl := map[command.Kind]command.HandlerFunc{
		command.KindCheck:     h.check,
		command.KindStart:     h.start,
		command.KindStop:      h.stop,
		command.KindRestart:   h.restart,
		command.KindUpdate:    h.update,
		command.KindProvision: h.provision,
		command.KindPublish:   h.publish,
		command.KindBackup:    h.backup,
		command.KindExec:      h.exec,
		command.KindTest:      h.test,
	}

	var descriptors []command.HandlerDescriptor
	for _, kind := range command.Kinds() {
		fn, ok := impl[kind]
		if !ok {
			continue
		}
		descriptors = append(descriptors, command.HandlerDescriptor{
			Command:     kind,
			Platform:    command.PlatformMock,
			ServiceType: command.ServiceTypeGeneric,
			Handler:     injectFaults(kind, fn),
		})
	}
	return reg.RegisterAll(descriptors...)
}

func injectFaults(kind command.Kind, next command.HandlerFunc) command.HandlerFunc {
	return func(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
		b := hc.Binding
		switch {
		case listed(b.Strings("panic"), kind):
			panic(fmt.Sprintf("mock %s panic for %s", kind, b.Name))
		case listed(b.Strings("hang"), kind):
			<-ctx.Done()
			return command.Outcome{}, ctx.Err()
		case listed(b.Strings("fail"), kind):
			return command.Outcome{}, fmt.Errorf("mock %s failure for %s", kind, b.Name)
		}
		return next(ctx, hc)
	}
}

func listed(values []string, kind command.Kind) bool {
	for _, v := range values {
		if v == "all" || strings.EqualFold(v, string(kind)) {
			return true
		}
	}
	return false
}

type handlers struct {
	sim *Simulator
}

// saved returns the decoded saved instance, or nil.
func (h *handlers) saved(hc command.HandlerContext) *InstanceState {
	if hc.SavedState == nil {
		return nil
	}
	var st InstanceState
	if err := hc.SavedState.Decode(&st); err != nil || st.InstanceID == "" {
		return nil
	}
	return &st
}

func (h *handlers) live(hc command.HandlerContext) *InstanceState {
	st := h.saved(hc)
	if st == nil || !h.sim.running(st.InstanceID) {
		return nil
	}
	return st
}

func (h *handlers) save(st InstanceState) (command.StateChange, error) {
	rec, err := command.NewResourceState(command.PlatformMock, st)
	if err != nil {
		return command.StateChange{}, err
	}
	return command.SaveState(rec), nil
}

func (h *handlers) check(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	st := h.saved(hc)
	if st == nil {
		return command.Succeeded(command.CheckExtension{
			Status: command.StatusStopped,
			Health: command.Health{Healthy: false, Message: "no instance recorded"},
		}), nil
	}
	if !h.sim.running(st.InstanceID) {
		out := command.Succeeded(command.CheckExtension{
			Status:     command.StatusStopped,
			Health:     command.Health{Healthy: false, Message: "recorded instance is gone"},
			ResourceID: st.InstanceID,
			Stale:      true,
		})
		if !hc.DryRun() {
			out = out.WithState(command.ClearState())
		}
		return out, nil
	}
	return command.Succeeded(command.CheckExtension{
		Status:     command.StatusRunning,
		Health:     command.Health{Healthy: true},
		ResourceID: st.InstanceID,
	}), nil
}

func (h *handlers) start(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	if st := h.live(hc); st != nil {
		return command.Succeeded(command.StartExtension{
			StartTime:      st.StartedAt,
			ResourceID:     st.InstanceID,
			AlreadyRunning: true,
		}), nil
	}
	if hc.DryRun() {
		return command.Succeeded(command.StartExtension{StartTime: h.sim.Now()}), nil
	}

	st := h.sim.launch(hc.Binding.Name, hc.Binding.String("version", ""))
	change, err := h.save(st)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.StartExtension{
		StartTime:  st.StartedAt,
		ResourceID: st.InstanceID,
		Endpoint:   hc.Binding.String("endpoint", ""),
	}).WithState(change), nil
}

func (h *handlers) stop(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	st := h.live(hc)
	if st == nil {
		out := command.Succeeded(command.StopExtension{NotRunning: true})
		if hc.SavedState != nil && !hc.DryRun() {
			out = out.WithState(command.ClearState())
		}
		return out, nil
	}
	if hc.DryRun() {
		return command.Succeeded(command.StopExtension{StopTime: h.sim.Now(), Graceful: true}), nil
	}
	h.sim.halt(st.InstanceID)
	return command.Succeeded(command.StopExtension{
		StopTime: h.sim.Now(),
		Graceful: !hc.Options.Force,
		Forced:   hc.Options.Force,
	}).WithState(command.ClearState()), nil
}

func (h *handlers) restart(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	if hc.DryRun() {
		return command.Succeeded(command.RestartExtension{}), nil
	}
	version := hc.Binding.String("version", "")
	if st := h.live(hc); st != nil {
		h.sim.halt(st.InstanceID)
		version = st.Version
	}
	stopped := h.sim.Now()
	st := h.sim.launch(hc.Binding.Name, version)
	change, err := h.save(st)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.RestartExtension{
		StopTime:     stopped,
		StartTime:    st.StartedAt,
		RestartCount: 1,
		ResourceID:   st.InstanceID,
	}).WithState(change), nil
}

func (h *handlers) update(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	next := hc.Options.Image
	if next == "" {
		next = hc.Binding.String("version", "latest")
	}
	previous := ""
	current := h.live(hc)
	if current != nil {
		previous = current.Version
	}
	if hc.DryRun() {
		return command.Succeeded(command.UpdateExtension{PreviousVersion: previous, NewVersion: next, Strategy: "replace"}), nil
	}

	stopped := h.sim.Now()
	if current != nil {
		h.sim.halt(current.InstanceID)
		stopped = h.sim.Now()
	}
	st := h.sim.launch(hc.Binding.Name, next)
	change, err := h.save(st)
	if err != nil {
		return command.Outcome{}, err
	}
	downtime := st.StartedAt.Sub(stopped)
	if current == nil || downtime < 0 {
		downtime = 0
	}
	return command.Succeeded(command.UpdateExtension{
		PreviousVersion: previous,
		NewVersion:      next,
		Strategy:        "replace",
		Downtime:        downtime,
	}).WithState(change), nil
}

func (h *handlers) provision(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	resources := []string{"mock://" + hc.Environment + "/" + hc.Binding.Name}
	for _, extra := range hc.Binding.Strings("resources") {
		resources = append(resources, "mock://"+hc.Environment+"/"+extra)
	}
	return command.Succeeded(command.ProvisionExtension{
		Resources:    resources,
		Dependencies: hc.Binding.Strings("depends_on"),
	}), nil
}

func (h *handlers) publish(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	artifact := hc.Options.Image
	if artifact == "" {
		artifact = hc.Binding.String("image", hc.Binding.Name)
	}
	version := hc.Options.Tag
	if version == "" {
		version = "latest"
	}
	return command.Succeeded(command.PublishExtension{
		Artifact: artifact,
		Version:  version,
		Tags:     []string{artifact + ":" + version},
	}), nil
}

func (h *handlers) backup(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	id := uuid.NewString()
	ext := command.BackupExtension{
		BackupID: id,
		Location: "mock://backups/" + hc.Binding.Name + "/" + id,
		Format:   hc.Binding.String("backup_format", "tar"),
	}
	if !hc.DryRun() {
		ext.Size = int64(hc.Binding.Int("backup_size", 0))
	}
	return command.Succeeded(ext), nil
}

func (h *handlers) exec(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	ext := command.ExecExtension{Command: hc.Options.Args}
	if hc.DryRun() {
		return command.Succeeded(ext), nil
	}
	if h.live(hc) == nil {
		ext.ExitCode = -1
		return command.Failed(fmt.Errorf("%s is not running", hc.Binding.Name), ext), nil
	}
	ext.Output = strings.Join(hc.Options.Args, " ")
	return command.Succeeded(ext), nil
}

func (h *handlers) test(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	failed := hc.Binding.Int("tests_failed", 0)
	ext := command.TestExtension{
		Suite:  hc.Binding.Name,
		Passed: hc.Binding.Int("tests_passed", 1),
		Failed: failed,
	}
	if failed > 0 {
		ext.ExitCode = 1
		return command.Failed(fmt.Errorf("%d tests failed", failed), ext), nil
	}
	return command.Succeeded(ext), nil
}
