package config

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ceramicnetwork/go-notary"
	"github.com/ceramicnetwork/go-notary/models"
)

// AwsConfigWithOverride sends every AWS call to customEndpoint, e.g. a local DynamoDB.
func AwsConfigWithOverride(ctx context.Context, customEndpoint string) (aws.Config, error) {
	endpointResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			PartitionID:   "aws",
			URL:           customEndpoint,
			SigningRegion: os.Getenv(notary.Env_AwsRegion),
		}, nil
	})

	httpCtx, httpCancel := context.WithTimeout(ctx, models.DefaultRpcWaitTime)
	defer httpCancel()

	return config.LoadDefaultConfig(
		httpCtx,
		config.WithRegion(os.Getenv(notary.Env_AwsRegion)),
		config.WithEndpointResolverWithOptions(endpointResolver),
	)
}

func AwsConfig(ctx context.Context, logger models.Logger) (aws.Config, error) {
	awsEndpoint := os.Getenv(notary.Env_AwsEndpoint)
	if len(awsEndpoint) > 0 {
		logger.Infof("config: using custom global aws endpoint: %s", awsEndpoint)
		return AwsConfigWithOverride(ctx, awsEndpoint)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, models.DefaultRpcWaitTime)
	defer httpCancel()

	// Load the default configuration
	return config.LoadDefaultConfig(httpCtx, config.WithRegion(os.Getenv(notary.Env_AwsRegion)))
}
