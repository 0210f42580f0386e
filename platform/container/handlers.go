package container

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"

	"github.com/goliatone/go-service-command"
)

// ContainerState is the saved payload for a container service.
type ContainerState struct {
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name"`
	Image       string    `json:"image"`
	StartedAt   time.Time `json:"started_at"`
}

// Deps are the capabilities of the container platform.
type Deps struct {
	Client API
	HTTP   HTTPDoer
	Now    func() time.Time
}

// Platform implements the container handlers and liveness probe.
//
// Binding config keys: image, container_name, command, env, labels, network,
// volumes ("name:/path"), stop_timeout, health_url, registry_repo,
// registry_auth, backup_command, backup_location, backup_format, test_command.
type Platform struct {
	api  API
	http HTTPDoer
	now  func() time.Time
}

func New(deps Deps) (*Platform, error) {
	if deps.Client == nil {
		return nil, command.NewValidationError("container platform requires a docker client", nil)
	}
	p := &Platform{api: deps.Client, http: deps.HTTP, now: deps.Now}
	if p.http == nil {
		p.http = defaultHTTPClient()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Register builds a Platform from deps and registers its handlers.
func Register(reg *command.Registry, deps Deps) (*Platform, error) {
	p, err := New(deps)
	if err != nil {
		return nil, err
	}
	return p, p.Register(reg)
}

func (p *Platform) Register(reg *command.Registry) error {
	handlers := []struct {
		kind command.Kind
		st   command.ServiceType
		fn   command.HandlerFunc
	}{
		{command.KindCheck, command.ServiceTypeGeneric, p.check},
		{command.KindCheck, command.ServiceTypeWeb, p.checkWeb},
		{command.KindStart, command.ServiceTypeGeneric, p.start},
		{command.KindStop, command.ServiceTypeGeneric, p.stop},
		{command.KindRestart, command.ServiceTypeGeneric, p.restart},
		{command.KindUpdate, command.ServiceTypeGeneric, p.update},
		{command.KindProvision, command.ServiceTypeGeneric, p.provision},
		{command.KindPublish, command.ServiceTypeGeneric, p.publish},
		{command.KindBackup, command.ServiceTypeGeneric, p.backup},
		{command.KindExec, command.ServiceTypeGeneric, p.exec},
		{command.KindTest, command.ServiceTypeGeneric, p.test},
	}
	descriptors := make([]command.HandlerDescriptor, 0, len(handlers))
	for _, h := range handlers {
		descriptors = append(descriptors, command.HandlerDescriptor{
			Command:     h.kind,
			Platform:    command.PlatformContainer,
			ServiceType: h.st,
			Handler:     h.fn,
		})
	}
	return reg.RegisterAll(descriptors...)
}

// IsAlive implements state.Prober for container records.
func (p *Platform) IsAlive(ctx context.Context, rec command.ResourceState) (bool, error) {
	var st ContainerState
	if err := rec.Decode(&st); err != nil {
		return false, err
	}
	info, err := p.api.ContainerInspect(ctx, st.ContainerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running, nil
}

func containerName(hc command.HandlerContext) string {
	return hc.Binding.String("container_name", hc.Environment+"-"+hc.Binding.Name)
}

func imageRef(hc command.HandlerContext) (string, error) {
	ref := hc.Binding.String("image", "")
	if ref == "" {
		return "", command.NewValidationError("container service has no image", map[string]any{"service": hc.Binding.Name})
	}
	return ref, nil
}

func saved(hc command.HandlerContext) *ContainerState {
	if hc.SavedState == nil {
		return nil
	}
	var st ContainerState
	if err := hc.SavedState.Decode(&st); err != nil || st.ContainerID == "" {
		return nil
	}
	return &st
}

func saveState(st ContainerState) (command.StateChange, error) {
	rec, err := command.NewResourceState(command.PlatformContainer, st)
	if err != nil {
		return command.StateChange{}, err
	}
	return command.SaveState(rec), nil
}

// lookup inspects the saved container, or the container holding the
// service name when nothing was saved. found is false when neither exists.
func (p *Platform) lookup(ctx context.Context, hc command.HandlerContext) (info dcontainer.InspectResponse, found bool, err error) {
	ref := containerName(hc)
	if st := saved(hc); st != nil {
		ref = st.ContainerID
	}
	info, err = p.api.ContainerInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return info, false, nil
		}
		return info, false, err
	}
	return info, info.ContainerJSONBase != nil, nil
}

func running(info dcontainer.InspectResponse) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

func statusOf(info dcontainer.InspectResponse) (command.ServiceStatus, command.Health) {
	if info.ContainerJSONBase == nil || info.State == nil {
		return command.StatusUnknown, command.Health{Message: "container state unavailable"}
	}
	s := info.State
	details := map[string]string{"state": string(s.Status)}
	if info.Config != nil && info.Config.Image != "" {
		details["image"] = info.Config.Image
	}
	if s.Health != nil && s.Health.Status != "" {
		details["health"] = string(s.Health.Status)
	}
	switch {
	case s.Running && s.Health != nil && string(s.Health.Status) == string(dcontainer.Unhealthy):
		return command.StatusUnhealthy, command.Health{Healthy: false, Message: "container health check failing", Details: details}
	case s.Running:
		return command.StatusRunning, command.Health{Healthy: true, Details: details}
	default:
		return command.StatusStopped, command.Health{Healthy: false, Message: fmt.Sprintf("container is %s", s.Status), Details: details}
	}
}

func (p *Platform) probe(ctx context.Context, hc command.HandlerContext) (command.CheckExtension, command.StateChange, dcontainer.InspectResponse, error) {
	info, found, err := p.lookup(ctx, hc)
	if err != nil {
		return command.CheckExtension{}, command.StateChange{}, info, err
	}
	st := saved(hc)
	if !found {
		ext := command.CheckExtension{
			Status: command.StatusStopped,
			Health: command.Health{Healthy: false, Message: "no container found"},
		}
		var change command.StateChange
		if st != nil {
			ext.ResourceID = st.ContainerID
			ext.Stale = true
			if !hc.DryRun() {
				change = command.ClearState()
			}
		}
		return ext, change, info, nil
	}
	status, health := statusOf(info)
	return command.CheckExtension{Status: status, Health: health, ResourceID: info.ID}, command.StateChange{}, info, nil
}

func (p *Platform) check(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	ext, change, _, err := p.probe(ctx, hc)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(ext).WithState(change), nil
}

// checkWeb adds an HTTP probe of health_url to the container check.
func (p *Platform) checkWeb(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	ext, change, _, err := p.probe(ctx, hc)
	if err != nil {
		return command.Outcome{}, err
	}
	url := hc.Binding.String("health_url", "")
	if url == "" || ext.Status != command.StatusRunning {
		return command.Succeeded(ext).WithState(change), nil
	}

	if ext.Health.Details == nil {
		ext.Health.Details = map[string]string{}
	}
	ext.Health.Details["url"] = url
	code, err := p.httpStatus(ctx, url)
	if err != nil {
		ext.Status = command.StatusUnhealthy
		ext.Health.Healthy = false
		ext.Health.Message = err.Error()
		return command.Succeeded(ext).WithState(change), nil
	}
	ext.Health.Details["http_status"] = fmt.Sprint(code)
	if code < 200 || code >= 400 {
		ext.Status = command.StatusUnhealthy
		ext.Health.Healthy = false
		ext.Health.Message = fmt.Sprintf("health endpoint returned %d", code)
	}
	return command.Succeeded(ext).WithState(change), nil
}

func (p *Platform) httpStatus(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (p *Platform) pull(ctx context.Context, hc command.HandlerContext, ref string) error {
	if hc.Binding.Bool("skip_pull", false) {
		return nil
	}
	reader, err := p.api.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: hc.Binding.String("registry_auth", "")})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	_, err = drainStream(reader)
	return err
}

func envList(hc command.HandlerContext) []string {
	env := hc.Binding.StringMap("env")
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func volumeMounts(hc command.HandlerContext) []mount.Mount {
	var mounts []mount.Mount
	for _, spec := range hc.Binding.Strings("volumes") {
		name, target, ok := strings.Cut(spec, ":")
		if !ok || name == "" || target == "" {
			continue
		}
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: name, Target: target})
	}
	return mounts
}

// create pulls ref and creates and starts a fresh container for the binding.
func (p *Platform) create(ctx context.Context, hc command.HandlerContext, ref string) (ContainerState, error) {
	if err := p.pull(ctx, hc, ref); err != nil {
		return ContainerState{}, err
	}

	name := containerName(hc)
	labels := hc.Binding.StringMap("labels")
	if labels == nil {
		labels = map[string]string{}
	}
	labels["svcctl.service"] = hc.Binding.Name
	labels["svcctl.environment"] = hc.Environment

	cfg := &dcontainer.Config{
		Image:  ref,
		Env:    envList(hc),
		Cmd:    hc.Binding.Strings("command"),
		Labels: labels,
	}
	host := &dcontainer.HostConfig{
		Mounts:        volumeMounts(hc),
		RestartPolicy: dcontainer.RestartPolicy{Name: dcontainer.RestartPolicyUnlessStopped},
	}
	if mode := hc.Binding.String("network", ""); mode != "" {
		host.NetworkMode = dcontainer.NetworkMode(mode)
	}

	resp, err := p.api.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return ContainerState{}, fmt.Errorf("create container %s: %w", name, err)
	}
	for _, w := range resp.Warnings {
		logger(hc).Warn("docker: %s", w)
	}
	if err := p.api.ContainerStart(ctx, resp.ID, dcontainer.StartOptions{}); err != nil {
		_ = p.api.ContainerRemove(ctx, resp.ID, dcontainer.RemoveOptions{Force: true})
		return ContainerState{}, fmt.Errorf("start container %s: %w", name, err)
	}
	logger(hc).Info("started container %s id=%s image=%s", name, shortID(resp.ID), ref)
	return ContainerState{ContainerID: resp.ID, Name: name, Image: ref, StartedAt: p.now()}, nil
}

// halt stops and removes a container. It reports whether the stop was forced.
func (p *Platform) halt(ctx context.Context, hc command.HandlerContext, id string) (bool, error) {
	forced := hc.Options.Force
	timeout := int(hc.Binding.Duration("stop_timeout", 10*time.Second).Seconds())
	if forced {
		timeout = 0
	}
	if err := p.api.ContainerStop(ctx, id, dcontainer.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		return forced, fmt.Errorf("stop container %s: %w", shortID(id), err)
	}
	if err := p.api.ContainerRemove(ctx, id, dcontainer.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return forced, fmt.Errorf("remove container %s: %w", shortID(id), err)
	}
	return forced, nil
}

func (p *Platform) start(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	info, found, err := p.lookup(ctx, hc)
	if err != nil {
		return command.Outcome{}, err
	}
	if found && running(info) {
		started, _ := time.Parse(time.RFC3339Nano, info.State.StartedAt)
		out := command.Succeeded(command.StartExtension{StartTime: started, ResourceID: info.ID, AlreadyRunning: true})
		if saved(hc) == nil && !hc.DryRun() {
			change, err := saveState(ContainerState{ContainerID: info.ID, Name: containerName(hc), Image: imageOf(info), StartedAt: started})
			if err != nil {
				return command.Outcome{}, err
			}
			out = out.WithState(change)
		}
		return out, nil
	}
	ref, err := imageRef(hc)
	if err != nil {
		return command.Outcome{}, err
	}
	if hc.DryRun() {
		return command.Succeeded(command.StartExtension{StartTime: p.now()}), nil
	}

	var st ContainerState
	if found {
		// an exited container keeps its configuration, start it in place
		if err := p.api.ContainerStart(ctx, info.ID, dcontainer.StartOptions{}); err != nil {
			return command.Outcome{}, fmt.Errorf("start container %s: %w", shortID(info.ID), err)
		}
		st = ContainerState{ContainerID: info.ID, Name: containerName(hc), Image: imageOf(info), StartedAt: p.now()}
	} else {
		st, err = p.create(ctx, hc, ref)
		if err != nil {
			return command.Outcome{}, err
		}
	}
	change, err := saveState(st)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.StartExtension{
		StartTime:  st.StartedAt,
		ResourceID: st.ContainerID,
		Endpoint:   hc.Binding.String("endpoint", ""),
	}).WithState(change), nil
}

func imageOf(info dcontainer.InspectResponse) string {
	if info.Config != nil {
		return info.Config.Image
	}
	return ""
}

func (p *Platform) stop(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	info, found, err := p.lookup(ctx, hc)
	if err != nil {
		return command.Outcome{}, err
	}
	if !found {
		out := command.Succeeded(command.StopExtension{NotRunning: true})
		if hc.SavedState != nil && !hc.DryRun() {
			out = out.WithState(command.ClearState())
		}
		return out, nil
	}
	if hc.DryRun() {
		return command.Succeeded(command.StopExtension{StopTime: p.now(), Graceful: !hc.Options.Force}), nil
	}

	wasRunning := running(info)
	forced, err := p.halt(ctx, hc, info.ID)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.StopExtension{
		StopTime:   p.now(),
		Graceful:   !forced,
		Forced:     forced,
		NotRunning: !wasRunning,
	}).WithState(command.ClearState()), nil
}

// recreation describes a remove-then-create. removed is set once no old
// container remains, even when creating the new one failed.
type recreation struct {
	prev    string
	stopped time.Time
	next    ContainerState
	removed bool
}

// recreate removes the current container, if any, and creates a new one from ref.
func (p *Platform) recreate(ctx context.Context, hc command.HandlerContext, ref string) (recreation, error) {
	var rc recreation
	info, found, err := p.lookup(ctx, hc)
	if err != nil {
		return rc, err
	}
	if found {
		rc.prev = imageOf(info)
		if _, err := p.halt(ctx, hc, info.ID); err != nil {
			return rc, err
		}
	}
	rc.stopped = p.now()
	rc.removed = true

	st, err := p.create(ctx, hc, ref)
	if err != nil {
		return rc, err
	}
	if !st.StartedAt.After(rc.stopped) {
		st.StartedAt = command.ReadingAfter(p.now, rc.stopped)
	}
	rc.next = st
	return rc, nil
}

// recreateFailed reports a failed recreate. Saved state is cleared once the
// old container is gone so it never names a removed container.
func recreateFailed(hc command.HandlerContext, rc recreation, err error, ext command.Extension) (command.Outcome, error) {
	if !rc.removed || hc.SavedState == nil {
		return command.Outcome{}, err
	}
	return command.Failed(err, ext).WithState(command.ClearState()), nil
}

func (p *Platform) restart(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	if hc.DryRun() {
		return command.Succeeded(command.RestartExtension{}), nil
	}
	ref, err := imageRef(hc)
	if err != nil {
		return command.Outcome{}, err
	}
	if st := saved(hc); st != nil && st.Image != "" {
		ref = st.Image
	}

	rc, err := p.recreate(ctx, hc, ref)
	if err != nil {
		return recreateFailed(hc, rc, err, command.RestartExtension{})
	}
	st := rc.next
	change, err := saveState(st)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.RestartExtension{
		StopTime:     rc.stopped,
		StartTime:    st.StartedAt,
		RestartCount: 1,
		ResourceID:   st.ContainerID,
	}).WithState(change), nil
}

func (p *Platform) update(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	ref := hc.Options.Image
	if ref == "" {
		var err error
		if ref, err = imageRef(hc); err != nil {
			return command.Outcome{}, err
		}
	}
	if hc.DryRun() {
		prev := ""
		if st := saved(hc); st != nil {
			prev = st.Image
		}
		return command.Succeeded(command.UpdateExtension{PreviousVersion: prev, NewVersion: ref, Strategy: "recreate"}), nil
	}

	rc, err := p.recreate(ctx, hc, ref)
	if err != nil {
		return recreateFailed(hc, rc, err, command.UpdateExtension{
			PreviousVersion: rc.prev,
			NewVersion:      ref,
			Strategy:        "recreate",
		})
	}
	st := rc.next
	change, err := saveState(st)
	if err != nil {
		return command.Outcome{}, err
	}
	var downtime time.Duration
	if rc.prev != "" {
		downtime = st.StartedAt.Sub(rc.stopped)
	}
	return command.Succeeded(command.UpdateExtension{
		PreviousVersion: rc.prev,
		NewVersion:      ref,
		Strategy:        "recreate",
		Downtime:        downtime,
	}).WithState(change), nil
}

func (p *Platform) provision(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	var resources []string
	var volumes []string
	for _, spec := range hc.Binding.Strings("volumes") {
		name, _, _ := strings.Cut(spec, ":")
		if name != "" {
			volumes = append(volumes, name)
			resources = append(resources, "volume:"+name)
		}
	}
	netName := hc.Binding.String("network", "")
	switch netName {
	case "", "bridge", "host", "none":
		netName = ""
	default:
		resources = append(resources, "network:"+netName)
	}

	if !hc.DryRun() {
		labels := map[string]string{"svcctl.environment": hc.Environment}
		for _, name := range volumes {
			if _, err := p.api.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: labels}); err != nil && !errdefs.IsConflict(err) {
				return command.Outcome{}, fmt.Errorf("create volume %s: %w", name, err)
			}
		}
		if netName != "" {
			if _, err := p.api.NetworkCreate(ctx, netName, network.CreateOptions{Driver: "bridge", Labels: labels}); err != nil && !errdefs.IsConflict(err) {
				return command.Outcome{}, fmt.Errorf("create network %s: %w", netName, err)
			}
		}
	}
	return command.Succeeded(command.ProvisionExtension{
		Resources:    resources,
		Dependencies: hc.Binding.Strings("depends_on"),
	}), nil
}

func (p *Platform) publish(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	source, err := imageRef(hc)
	if err != nil {
		return command.Outcome{}, err
	}
	repo := hc.Options.Image
	if repo == "" {
		repo = hc.Binding.String("registry_repo", "")
	}
	if repo == "" {
		return command.Outcome{}, command.NewValidationError("publish requires a target repository", map[string]any{"service": hc.Binding.Name})
	}
	tag := hc.Options.Tag
	if tag == "" {
		tag = "latest"
	}
	target := repo + ":" + tag
	ext := command.PublishExtension{Artifact: repo, Version: tag, Tags: []string{target}}
	if hc.DryRun() {
		return command.Succeeded(ext), nil
	}

	if err := p.api.ImageTag(ctx, source, target); err != nil {
		return command.Outcome{}, fmt.Errorf("tag %s as %s: %w", source, target, err)
	}
	reader, err := p.api.ImagePush(ctx, target, image.PushOptions{RegistryAuth: hc.Binding.String("registry_auth", "")})
	if err != nil {
		return command.Outcome{}, fmt.Errorf("push %s: %w", target, err)
	}
	digest, err := drainStream(reader)
	if err != nil {
		return command.Outcome{}, fmt.Errorf("push %s: %w", target, err)
	}
	out := command.Succeeded(ext)
	if digest != "" {
		out = out.WithMetadata(map[string]any{"digest": digest})
	}
	return out, nil
}

// liveID returns the id of the running container, or a failure outcome.
func (p *Platform) liveID(ctx context.Context, hc command.HandlerContext) (string, error) {
	info, found, err := p.lookup(ctx, hc)
	if err != nil {
		return "", err
	}
	if !found || !running(info) {
		return "", fmt.Errorf("container for %s is not running", hc.Binding.Name)
	}
	return info.ID, nil
}

func (p *Platform) backup(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	argv := hc.Binding.Strings("backup_command")
	if len(argv) == 0 {
		return command.Outcome{}, command.NewValidationError("container service has no backup_command", map[string]any{"service": hc.Binding.Name})
	}
	id := uuid.NewString()
	ext := command.BackupExtension{
		BackupID: id,
		Location: strings.TrimSuffix(hc.Binding.String("backup_location", "container://"+containerName(hc)), "/") + "/" + id,
		Format:   hc.Binding.String("backup_format", "stream"),
	}
	if hc.DryRun() {
		return command.Succeeded(ext), nil
	}

	cid, err := p.liveID(ctx, hc)
	if err != nil {
		return command.Failed(err, ext), nil
	}
	res, err := runExec(ctx, p.api, cid, argv, []string{"BACKUP_ID=" + id})
	if err != nil {
		return command.Outcome{}, err
	}
	if res.ExitCode != 0 {
		return command.Failed(fmt.Errorf("backup command exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)), ext), nil
	}
	ext.Size = int64(len(res.Stdout))
	return command.Succeeded(ext), nil
}

func (p *Platform) exec(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	ext := command.ExecExtension{Command: hc.Options.Args}
	if hc.DryRun() {
		return command.Succeeded(ext), nil
	}
	cid, err := p.liveID(ctx, hc)
	if err != nil {
		ext.ExitCode = -1
		return command.Failed(err, ext), nil
	}
	res, err := runExec(ctx, p.api, cid, hc.Options.Args, nil)
	if err != nil {
		return command.Outcome{}, err
	}
	ext.ExitCode = res.ExitCode
	ext.Output = res.Stdout + res.Stderr
	if res.ExitCode != 0 {
		return command.Failed(fmt.Errorf("%s exited with code %d", strings.Join(hc.Options.Args, " "), res.ExitCode), ext), nil
	}
	return command.Succeeded(ext), nil
}

func (p *Platform) test(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	argv := hc.Binding.Strings("test_command")
	if len(argv) == 0 {
		return command.Outcome{}, command.NewValidationError("container service has no test_command", map[string]any{"service": hc.Binding.Name})
	}
	argv = append(argv, hc.Options.Args...)
	ext := command.TestExtension{Suite: hc.Binding.Name}
	if hc.DryRun() {
		return command.Succeeded(ext), nil
	}
	cid, err := p.liveID(ctx, hc)
	if err != nil {
		return command.Failed(err, ext), nil
	}
	res, err := runExec(ctx, p.api, cid, argv, nil)
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

func logger(hc command.HandlerContext) command.Logger {
	if hc.Logger == nil {
		return command.NopLogger{}
	}
	return hc.Logger
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
