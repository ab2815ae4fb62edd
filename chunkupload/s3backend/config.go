package s3backend

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"
)

// discoveryRegion is used to ask S3 for the bucket's region when none is configured.
const discoveryRegion = "us-east-1"

// Params ...
type Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint points the client at an S3 compatible service; path style addressing is used with it.
	Endpoint    string
	Prefix      string
	Concurrency int
}

// NewFromParams builds a Backend with an S3 client configured from params.
// Without a region the bucket's region is looked up first.
func NewFromParams(ctx context.Context, params Params, logger log.Logger) (*Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	region := params.Region
	if region == "" && params.Endpoint == "" {
		cfg, err := loadAWSConfig(ctx, discoveryRegion, params.AccessKeyID, params.SecretAccessKey, logger)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		region, err = manager.GetBucketRegion(ctx, s3.NewFromConfig(*cfg), params.Bucket)
		if err != nil {
			return nil, fmt.Errorf("get bucket region: %w", err)
		}
		logger.Debugf("Bucket %s is in region %s", params.Bucket, region)
	}
	if region == "" {
		region = discoveryRegion
	}

	cfg, err := loadAWSConfig(ctx, region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return New(client, params.Bucket, params.Prefix, params.Concurrency, logger), nil
}

func loadAWSConfig(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("Using static aws credentials")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
