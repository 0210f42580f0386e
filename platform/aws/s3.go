package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/goliatone/go-service-command"
)

// S3 binding config keys: bucket (defaults to <env>-<name>), region, depends_on.

func bucketName(hc command.HandlerContext) string {
	return hc.Binding.String("bucket", strings.ToLower(hc.Environment+"-"+hc.Binding.Name))
}

func (p *Platform) bucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := p.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: awsv2.String(bucket)})
	if err == nil {
		return true, nil
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return false, nil
	}
	return false, fmt.Errorf("s3: head %s: %w", bucket, err)
}

func (p *Platform) checkS3(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	bucket := bucketName(hc)
	ok, err := p.bucketExists(ctx, bucket)
	if err != nil {
		return command.Outcome{}, err
	}
	if !ok {
		return staleCheck(hc, bucket, "bucket not found"), nil
	}
	return command.Succeeded(command.CheckExtension{
		Status:     command.StatusRunning,
		Health:     command.Health{Healthy: true, Details: map[string]string{"bucket": bucket}},
		ResourceID: "arn:aws:s3:::" + bucket,
	}), nil
}

func (p *Platform) provisionS3(ctx context.Context, hc command.HandlerContext) (command.Outcome, error) {
	bucket := bucketName(hc)
	region := hc.Binding.String("region", "")
	ext := command.ProvisionExtension{
		Resources:    []string{"arn:aws:s3:::" + bucket},
		Dependencies: hc.Binding.Strings("depends_on"),
	}
	if hc.DryRun() {
		return command.Succeeded(ext), nil
	}

	input := &s3.CreateBucketInput{Bucket: awsv2.String(bucket)}
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := p.s3.CreateBucket(ctx, input); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return command.Outcome{}, fmt.Errorf("s3: create %s: %w", bucket, err)
		}
		logger(hc).Debug("bucket %s already exists", bucket)
	}

	change, err := saveState(ServiceState{
		Resource:   ResourceS3,
		Identifier: bucket,
		ARN:        "arn:aws:s3:::" + bucket,
		Region:     region,
		StartedAt:  p.now(),
	})
	if err != nil {
		return command.Outcome{}, err
	}
	return command.Succeeded(ext).WithState(change), nil
}
