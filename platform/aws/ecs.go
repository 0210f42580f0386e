package aws

import (
	"context"
	"fmt"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/goliatone/go-service-command"
)

// ECS binding config keys: cluster, service (defaults to the binding name),
// desired_count (default 1), task_definition, wait, wait_timeout.

func ecsTarget(hc command.HandlerContext) (cluster, service string) {
	return hc.Binding.String("cluster", "default"), hc.Binding.String("service", hc.Binding.Name)
}

// describeService returns nil when the service does not exist or is no longer active.
func (p *Platform) describeService(ctx context.Context, cluster, service string) (*ecstypes.Service, error) {
	out, err := p.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  awsv2.String(cluster),
		Services: []string{service},
	})
	if err != nil {
		return nil, fmt.Errorf("ecs: describe %s/%s: %w", cluster, service, err)
	}
	for i := range out.Services {
		svc := out.Services[i]
		if awsv2.ToString(svc.ServiceName) == service && awsv2.ToString(svc.Status) == "ACTIVE" {
			return &svc, nil
		}
	}
	return nil, nil
}

func (p *Platform) waitStable(ctx context.Context, hc command.HandlerContext, cluster, service string) error {
	if !hc.Binding.Bool("wait", false) {
		return nil
	}
	waiter := ecs.NewServicesStableWaiter(p.ecs, func(o *ecs.ServicesStableWaiterOptions) {
		o.MinDelay = hc.Binding.Duration("wait_min_delay", 5*time.Second)
	})
	err := waiter.Wait(ctx, &ecs.DescribeServicesInput{
		Cluster:  awsv2.String(cluster),
		Services: []string{service},
	}, hc.Binding.Duration("wait_timeout", 10*time.Minute))
	if err != nil {
		return fmt.Errorf("ecs: wait for %s/%s to stabilize: %w", cluster, service, err)
	}
	return nil
}

func (p *Platform) checkECS(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	cluster, service := ecsTarget(hc)
	svc, err := p.describeService(ctx, cluster, service)
	if err != nil {
		return command.Outcome{}, err
	}
	if svc == nil {
		return staleCheck(hc, service, "ecs service not found"), nil
	}

	details := map[string]string{
		"cluster":        cluster,
		"desired":        fmt.Sprint(svc.DesiredCount),
		"running":        fmt.Sprint(svc.RunningCount),
		"pending":        fmt.Sprint(svc.PendingCount),
		"taskDefinition": awsv2.ToString(svc.TaskDefinition),
	}
	ext := command.CheckExtension{ResourceID: awsv2.ToString(svc.ServiceArn)}
	switch {
	case svc.DesiredCount == 0:
		ext.Status = command.StatusStopped
		ext.Health = command.Health{Healthy: false, Message: "service scaled to zero", Details: details}
	case svc.RunningCount < svc.DesiredCount:
		ext.Status = command.StatusUnhealthy
		ext.Health = command.Health{
			Healthy: false,
			Message: fmt.Sprintf("%d of %d tasks running", svc.RunningCount, svc.DesiredCount),
			Details: details,
		}
	default:
		ext.Status = command.StatusRunning
		ext.Health = command.Health{Healthy: true, Details: details}
	}
	return command.Succeeded(ext), nil
}

func (p *Platform) startECS(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	cluster, service := ecsTarget(hc)
	svc, err := p.describeService(ctx, cluster, service)
	if err != nil {
		return command.Outcome{}, err
	}
	if svc == nil {
		return command.Outcome{}, fmt.Errorf("ecs: service %s/%s does not exist, provision it first", cluster, service)
	}

	st := ServiceState{
		Resource:       ResourceECS,
		Identifier:     service,
		Cluster:        cluster,
		ARN:            awsv2.ToString(svc.ServiceArn),
		TaskDefinition: awsv2.ToString(svc.TaskDefinition),
	}
	if svc.DesiredCount > 0 && svc.RunningCount > 0 {
		ext := command.StartExtension{ResourceID: st.ARN, AlreadyRunning: true}
		if saved := savedState(hc, ResourceECS); saved != nil {
			ext.StartTime = saved.StartedAt
		}
		return command.Succeeded(ext), nil
	}
	if hc.DryRun() {
		return command.Succeeded(command.StartExtension{StartTime: p.now(), ResourceID: st.ARN}), nil
	}

	desired := int32(hc.Binding.Int("desired_count", 1))
	if _, err := p.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      awsv2.String(cluster),
		Service:      awsv2.String(service),
		DesiredCount: awsv2.Int32(desired),
	}); err != nil {
		return command.Outcome{}, fmt.Errorf("ecs: scale %s/%s to %d: %w", cluster, service, desired, err)
	}
	if err := p.waitStable(ctx, hc, cluster, service); err != nil {
		return command.Outcome{}, err
	}
	logger(hc).Info("scaled ecs service %s/%s to %d", cluster, service, desired)

	st.DesiredCount = desired
	st.StartedAt = p.now()
	change, err := saveState(st)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.StartExtension{
		StartTime:  st.StartedAt,
		ResourceID: st.ARN,
		Endpoint:   hc.Binding.String("endpoint", ""),
	}).WithState(change), nil
}

func (p *Platform) stopECS(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	cluster, service := ecsTarget(hc)
	svc, err := p.describeService(ctx, cluster, service)
	if err != nil {
		return command.Outcome{}, err
	}
	if svc == nil || svc.DesiredCount == 0 {
		out := command.Succeeded(command.StopExtension{NotRunning: true})
		if hc.SavedState != nil && !hc.DryRun() {
			out = out.WithState(command.ClearState())
		}
		return out, nil
	}
	if hc.DryRun() {
		return command.Succeeded(command.StopExtension{StopTime: p.now(), Graceful: true}), nil
	}

	if _, err := p.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      awsv2.String(cluster),
		Service:      awsv2.String(service),
		DesiredCount: awsv2.Int32(0),
	}); err != nil {
		return command.Outcome{}, fmt.Errorf("ecs: scale %s/%s to 0: %w", cluster, service, err)
	}
	if err := p.waitStable(ctx, hc, cluster, service); err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.StopExtension{StopTime: p.now(), Graceful: true}).
		WithState(command.ClearState()), nil
}

// restartECS replaces every task through a forced deployment.
func (p *Platform) restartECS(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	cluster, service := ecsTarget(hc)
	if hc.DryRun() {
		return command.Succeeded(command.RestartExtension{}), nil
	}
	svc, err := p.describeService(ctx, cluster, service)
	if err != nil {
		return command.Outcome{}, err
	}
	if svc == nil {
		return command.Outcome{}, fmt.Errorf("ecs: service %s/%s does not exist", cluster, service)
	}

	input := &ecs.UpdateServiceInput{
		Cluster:            awsv2.String(cluster),
		Service:            awsv2.String(service),
		ForceNewDeployment: true,
	}
	desired := svc.DesiredCount
	if desired == 0 {
		desired = int32(hc.Binding.Int("desired_count", 1))
		input.DesiredCount = awsv2.Int32(desired)
	}
	stopped := p.now()
	if _, err := p.ecs.UpdateService(ctx, input); err != nil {
		return command.Outcome{}, fmt.Errorf("ecs: redeploy %s/%s: %w", cluster, service, err)
	}
	if err := p.waitStable(ctx, hc, cluster, service); err != nil {
		return command.Outcome{}, err
	}
	started := command.ReadingAfter(p.now, stopped)

	change, err := saveState(ServiceState{
		Resource:       ResourceECS,
		Identifier:     service,
		Cluster:        cluster,
		ARN:            awsv2.ToString(svc.ServiceArn),
		DesiredCount:   desired,
		TaskDefinition: awsv2.ToString(svc.TaskDefinition),
		StartedAt:      started,
	})
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.RestartExtension{
		StopTime:     stopped,
		StartTime:    started,
		RestartCount: 1,
		ResourceID:   awsv2.ToString(svc.ServiceArn),
	}).WithState(change), nil
}

// updateECS rolls the service onto a new task definition.
func (p *Platform) updateECS(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	cluster, service := ecsTarget(hc)
	next := hc.Options.Image
	if next == "" {
		next = hc.Binding.String("task_definition", "")
	}
	if next == "" {
		return command.Outcome{}, command.NewValidationError("ecs update requires a task definition", map[string]any{"service": hc.Binding.Name})
	}

	svc, err := p.describeService(ctx, cluster, service)
	if err != nil {
		return command.Outcome{}, err
	}
	if svc == nil {
		return command.Outcome{}, fmt.Errorf("ecs: service %s/%s does not exist", cluster, service)
	}
	ext := command.UpdateExtension{
		PreviousVersion: awsv2.ToString(svc.TaskDefinition),
		NewVersion:      next,
		Strategy:        "rolling",
	}
	if hc.DryRun() {
		return command.Succeeded(ext), nil
	}

	out, err := p.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:        awsv2.String(cluster),
		Service:        awsv2.String(service),
		TaskDefinition: awsv2.String(next),
	})
	if err != nil {
		return command.Outcome{}, fmt.Errorf("ecs: update %s/%s: %w", cluster, service, err)
	}
	if out.Service != nil && out.Service.TaskDefinition != nil {
		ext.NewVersion = awsv2.ToString(out.Service.TaskDefinition)
	}
	if err := p.waitStable(ctx, hc, cluster, service); err != nil {
		return command.Outcome{}, err
	}

	result := command.Succeeded(ext)
	if svc.DesiredCount > 0 {
		change, err := saveState(ServiceState{
			Resource:       ResourceECS,
			Identifier:     service,
			Cluster:        cluster,
			ARN:            awsv2.ToString(svc.ServiceArn),
			DesiredCount:   svc.DesiredCount,
			TaskDefinition: ext.NewVersion,
			StartedAt:      p.now(),
		})
		if err != nil {
			return command.Outcome{}, err
		}
		result = result.WithState(change)
	}
	return result, nil
}
