// Package aws operates services on AWS: ECS services for generic workloads,
// RDS instances for databases and S3 buckets for filesystems.
package aws

import (
	"context"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/goliatone/go-service-command"
)

// ECSAPI is the ECS subset used by generic services.
type ECSAPI interface {
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// RDSAPI is the RDS subset used by database services.
type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	StartDBInstance(ctx context.Context, params *rds.StartDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StartDBInstanceOutput, error)
	StopDBInstance(ctx context.Context, params *rds.StopDBInstanceInput, optFns ...func(*rds.Options)) (*rds.StopDBInstanceOutput, error)
	RebootDBInstance(ctx context.Context, params *rds.RebootDBInstanceInput, optFns ...func(*rds.Options)) (*rds.RebootDBInstanceOutput, error)
	CreateDBSnapshot(ctx context.Context, params *rds.CreateDBSnapshotInput, optFns ...func(*rds.Options)) (*rds.CreateDBSnapshotOutput, error)
}

// S3API is the S3 subset used by filesystem services.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

var (
	_ ECSAPI = (*ecs.Client)(nil)
	_ RDSAPI = (*rds.Client)(nil)
	_ S3API  = (*s3.Client)(nil)
)

// Deps are the AWS clients the platform runs on. A nil client disables the
// service types that need it: their commands report not implemented.
type Deps struct {
	ECS ECSAPI
	RDS RDSAPI
	S3  S3API
	Now func() time.Time
}

// NewFromConfig builds Deps with real clients for cfg.
func NewFromConfig(cfg awsv2.Config) Deps {
	return Deps{
		ECS: ecs.NewFromConfig(cfg),
		RDS: rds.NewFromConfig(cfg),
		S3:  s3.NewFromConfig(cfg),
	}
}

// Resource kinds stored in ServiceState.
const (
	ResourceECS = "ecs"
	ResourceRDS = "rds"
	ResourceS3  = "s3"
)

// ServiceState is the saved payload for an AWS backed service.
type ServiceState struct {
	Resource       string    `json:"resource"`
	Identifier     string    `json:"identifier"`
	Cluster        string    `json:"cluster,omitempty"`
	ARN            string    `json:"arn,omitempty"`
	DesiredCount   int32     `json:"desired_count,omitempty"`
	TaskDefinition string    `json:"task_definition,omitempty"`
	Region         string    `json:"region,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// Platform implements the aws handlers and liveness probe.
type Platform struct {
	ecs ECSAPI
	rds RDSAPI
	s3  S3API
	now func() time.Time
}

func New(deps Deps) *Platform {
	p := &Platform{ecs: deps.ECS, rds: deps.RDS, s3: deps.S3, now: deps.Now}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Register builds a Platform from deps and registers it.
func Register(reg *command.Registry, deps Deps) (*Platform, error) {
	p := New(deps)
	return p, p.Register(reg)
}

type entry struct {
	kind command.Kind
	st   command.ServiceType
	fn   command.HandlerFunc
}

// Register adds the handlers of every configured client. Database and
// filesystem services get explicit not implemented handlers for commands
// the generic ECS handlers would otherwise pick up.
func (p *Platform) Register(reg *command.Registry) error {
	var entries []entry
	if p.ecs != nil {
		entries = append(entries,
			entry{command.KindCheck, command.ServiceTypeGeneric, p.checkECS},
			entry{command.KindStart, command.ServiceTypeGeneric, p.startECS},
			entry{command.KindStop, command.ServiceTypeGeneric, p.stopECS},
			entry{command.KindRestart, command.ServiceTypeGeneric, p.restartECS},
			entry{command.KindUpdate, command.ServiceTypeGeneric, p.updateECS},
		)
	}
	if p.rds != nil {
		entries = append(entries,
			entry{command.KindCheck, command.ServiceTypeDatabase, p.checkRDS},
			entry{command.KindStart, command.ServiceTypeDatabase, p.startRDS},
			entry{command.KindStop, command.ServiceTypeDatabase, p.stopRDS},
			entry{command.KindRestart, command.ServiceTypeDatabase, p.restartRDS},
			entry{command.KindBackup, command.ServiceTypeDatabase, p.backupRDS},
			entry{command.KindUpdate, command.ServiceTypeDatabase, unsupported},
		)
	}
	if p.s3 != nil {
		entries = append(entries,
			entry{command.KindCheck, command.ServiceTypeFilesystem, p.checkS3},
			entry{command.KindProvision, command.ServiceTypeFilesystem, p.provisionS3},
		)
		for _, kind := range []command.Kind{command.KindStart, command.KindStop, command.KindRestart, command.KindUpdate} {
			entries = append(entries, entry{kind, command.ServiceTypeFilesystem, unsupported})
		}
	}

	descriptors := make([]command.HandlerDescriptor, 0, len(entries))
	for _, e := range entries {
		descriptors = append(descriptors, command.HandlerDescriptor{
			Command:     e.kind,
			Platform:    command.PlatformAWS,
			ServiceType: e.st,
			Handler:     e.fn,
		})
	}
	return reg.RegisterAll(descriptors...)
}

func unsupported(_ context.Context, hc command.HandlerContext) (command.Outcome, error) {
	return command.Outcome{}, command.NewNotImplementedError(command.PlatformAWS, hc.Command, hc.Binding.Type)
}

// IsAlive implements state.Prober for aws records.
func (p *Platform) IsAlive(ctx context.Context, rec command.ResourceState) (bool, error) {
	var st ServiceState
	if err := rec.Decode(&st); err != nil {
		return false, err
	}
	switch st.Resource {
	case ResourceECS:
		if p.ecs == nil {
			return false, command.NewNotImplementedError(command.PlatformAWS, command.KindCheck, command.ServiceTypeGeneric)
		}
		svc, err := p.describeService(ctx, st.Cluster, st.Identifier)
		if err != nil || svc == nil {
			return false, err
		}
		return svc.DesiredCount > 0, nil
	case ResourceRDS:
		if p.rds == nil {
			return false, command.NewNotImplementedError(command.PlatformAWS, command.KindCheck, command.ServiceTypeDatabase)
		}
		db, err := p.describeDB(ctx, st.Identifier)
		if err != nil || db == nil {
			return false, err
		}
		status := awsv2.ToString(db.DBInstanceStatus)
		return status != "stopped" && status != "deleting", nil
	case ResourceS3:
		if p.s3 == nil {
			return false, command.NewNotImplementedError(command.PlatformAWS, command.KindCheck, command.ServiceTypeFilesystem)
		}
		return p.bucketExists(ctx, st.Identifier)
	}
	return false, command.NewStateIOError("unknown aws resource kind", nil, map[string]any{"resource": st.Resource})
}

func savedState(hc command.HandlerContext, resource string) *ServiceState {
	if hc.SavedState == nil {
		return nil
	}
	var st ServiceState
	if err := hc.SavedState.Decode(&st); err != nil || st.Resource != resource || st.Identifier == "" {
		return nil
	}
	return &st
}

func saveState(st ServiceState) (command.StateChange, error) {
	rec, err := command.NewResourceState(command.PlatformAWS, st)
	if err != nil {
		return command.StateChange{}, err
	}
	return command.SaveState(rec), nil
}

// staleCheck reports a saved resource that no longer exists and clears it.
func staleCheck(hc command.HandlerContext, id, message string) command.Outcome {
	ext := command.CheckExtension{
		Status: command.StatusStopped,
		Health: command.Health{Healthy: false, Message: message},
	}
	var change command.StateChange
	if hc.SavedState != nil {
		ext.ResourceID = id
		ext.Stale = true
		if !hc.DryRun() {
			change = command.ClearState()
		}
	}
	return command.Succeeded(ext).WithState(change)
}

func logger(hc command.HandlerContext) command.Logger {
	if hc.Logger == nil {
		return command.NopLogger{}
	}
	return hc.Logger
}
