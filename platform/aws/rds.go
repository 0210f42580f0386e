package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/goliatone/go-service-command"
)

const gib = int64(1) << 30

func dbIdentifier(hc command.HandlerContext) string {
	return hc.Binding.String("db_instance", hc.Binding.Name)
}

// describeDB returns nil when the instance does not exist.
func (p *Platform) describeDB(ctx context.Context, id string) (*rdstypes.DBInstance, error) {
	out, err := p.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: awsv2.String(id),
	})
	if err != nil {
		var notFound *rdstypes.DBInstanceNotFoundFault
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("rds: describe %s: %w", id, err)
	}
	if len(out.DBInstances) == 0 {
		return nil, nil
	}
	return &out.DBInstances[0], nil
}

func dbDetails(db *rdstypes.DBInstance) map[string]string {
	details := map[string]string{
		"status": awsv2.ToString(db.DBInstanceStatus),
		"engine": awsv2.ToString(db.Engine),
	}
	if v := awsv2.ToString(db.EngineVersion); v != "" {
		details["engineVersion"] = v
	}
	if ep := dbEndpoint(db); ep != "" {
		details["endpoint"] = ep
	}
	return details
}

func dbEndpoint(db *rdstypes.DBInstance) string {
	if db.Endpoint == nil || db.Endpoint.Address == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", awsv2.ToString(db.Endpoint.Address), awsv2.ToInt32(db.Endpoint.Port))
}

func dbState(db *rdstypes.DBInstance, startedAt time.Time) ServiceState {
	return ServiceState{
		Resource:   ResourceRDS,
		Identifier: awsv2.ToString(db.DBInstanceIdentifier),
		ARN:        awsv2.ToString(db.DBInstanceArn),
		StartedAt:  startedAt,
	}
}

func (p *Platform) checkRDS(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	id := dbIdentifier(hc)
	db, err := p.describeDB(ctx, id)
	if err != nil {
		return command.Outcome{}, err
	}
	if db == nil {
		return staleCheck(hc, id, "db instance not found"), nil
	}

	ext := command.CheckExtension{ResourceID: awsv2.ToString(db.DBInstanceArn)}
	details := dbDetails(db)
	switch status := awsv2.ToString(db.DBInstanceStatus); status {
	case "available":
		ext.Status = command.StatusRunning
		ext.Health = command.Health{Healthy: true, Details: details}
	case "stopped", "stopping":
		ext.Status = command.StatusStopped
		ext.Health = command.Health{Healthy: false, Message: "db instance is " + status, Details: details}
	default:
		ext.Status = command.StatusUnhealthy
		ext.Health = command.Health{Healthy: false, Message: "db instance is " + status, Details: details}
	}
	return command.Succeeded(ext), nil
}

func (p *Platform) startRDS(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	id := dbIdentifier(hc)
	db, err := p.describeDB(ctx, id)
	if err != nil {
		return command.Outcome{}, err
	}
	if db == nil {
		return command.Outcome{}, fmt.Errorf("rds: instance %s does not exist", id)
	}
	status := awsv2.ToString(db.DBInstanceStatus)
	if status != "stopped" {
		ext := command.StartExtension{ResourceID: awsv2.ToString(db.DBInstanceArn), Endpoint: dbEndpoint(db), AlreadyRunning: true}
		if saved := savedState(hc, ResourceRDS); saved != nil {
			ext.StartTime = saved.StartedAt
		}
		return command.Succeeded(ext), nil
	}
	if hc.DryRun() {
		return command.Succeeded(command.StartExtension{StartTime: p.now(), ResourceID: awsv2.ToString(db.DBInstanceArn)}), nil
	}

	if _, err := p.rds.StartDBInstance(ctx, &rds.StartDBInstanceInput{DBInstanceIdentifier: awsv2.String(id)}); err != nil {
		return command.Outcome{}, fmt.Errorf("rds: start %s: %w", id, err)
	}
	st := dbState(db, p.now())
	change, err := saveState(st)
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.StartExtension{
		StartTime:  st.StartedAt,
		ResourceID: st.ARN,
		Endpoint:   dbEndpoint(db),
	}).WithState(change), nil
}

func (p *Platform) stopRDS(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	id := dbIdentifier(hc)
	db, err := p.describeDB(ctx, id)
	if err != nil {
		return command.Outcome{}, err
	}
	if db == nil || awsv2.ToString(db.DBInstanceStatus) != "available" {
		out := command.Succeeded(command.StopExtension{NotRunning: true})
		if hc.SavedState != nil && !hc.DryRun() {
			out = out.WithState(command.ClearState())
		}
		return out, nil
	}
	if hc.DryRun() {
		return command.Succeeded(command.StopExtension{StopTime: p.now(), Graceful: true}), nil
	}

	input := &rds.StopDBInstanceInput{DBInstanceIdentifier: awsv2.String(id)}
	if !hc.Options.Force {
		input.DBSnapshotIdentifier = awsv2.String(snapshotID(id, "stop", p.now()))
	}
	if _, err := p.rds.StopDBInstance(ctx, input); err != nil {
		return command.Outcome{}, fmt.Errorf("rds: stop %s: %w", id, err)
	}
	return command.Succeeded(command.StopExtension{
		StopTime: p.now(),
		Graceful: !hc.Options.Force,
		Forced:   hc.Options.Force,
	}).WithState(command.ClearState()), nil
}

func (p *Platform) restartRDS(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	if hc.DryRun() {
		return command.Succeeded(command.RestartExtension{}), nil
	}
	id := dbIdentifier(hc)
	db, err := p.describeDB(ctx, id)
	if err != nil {
		return command.Outcome{}, err
	}
	if db == nil || awsv2.ToString(db.DBInstanceStatus) != "available" {
		return command.Outcome{}, fmt.Errorf("rds: instance %s is not available for reboot", id)
	}

	stopped := p.now()
	out, err := p.rds.RebootDBInstance(ctx, &rds.RebootDBInstanceInput{
		DBInstanceIdentifier: awsv2.String(id),
		ForceFailover:        awsv2.Bool(hc.Options.Force && awsv2.ToBool(db.MultiAZ)),
	})
	if err != nil {
		return command.Outcome{}, fmt.Errorf("rds: reboot %s: %w", id, err)
	}
	started := command.ReadingAfter(p.now, stopped)
	if out.DBInstance != nil {
		db = out.DBInstance
	}
	change, err := saveState(dbState(db, started))
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(command.RestartExtension{
		StopTime:     stopped,
		StartTime:    started,
		RestartCount: 1,
		ResourceID:   awsv2.ToString(db.DBInstanceArn),
	}).WithState(change), nil
}

func snapshotID(id, purpose string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", id, purpose, at.UTC().Format("20060102-150405"))
}

// backupRDS takes a manual snapshot. Size is the allocated storage of the instance.
func (p *Platform) backupRDS(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	id := dbIdentifier(hc)
	snap := snapshotID(id, "backup", p.now())
	ext := command.BackupExtension{BackupID: snap, Format: "rds-snapshot"}
	if hc.DryRun() {
		return command.Succeeded(ext), nil
	}

	out, err := p.rds.CreateDBSnapshot(ctx, &rds.CreateDBSnapshotInput{
		DBInstanceIdentifier: awsv2.String(id),
		DBSnapshotIdentifier: awsv2.String(snap),
		Tags: []rdstypes.Tag{
			{Key: awsv2.String("svcctl:environment"), Value: awsv2.String(hc.Environment)},
			{Key: awsv2.String("svcctl:service"), Value: awsv2.String(hc.Binding.Name)},
		},
	})
	if err != nil {
		return command.Outcome{}, fmt.Errorf("rds: snapshot %s: %w", id, err)
	}
	if out.DBSnapshot != nil {
		ext.Location = awsv2.ToString(out.DBSnapshot.DBSnapshotArn)
		ext.Size = int64(awsv2.ToInt32(out.DBSnapshot.AllocatedStorage)) * gib
	}
	return command.Succeeded(ext), nil
}
