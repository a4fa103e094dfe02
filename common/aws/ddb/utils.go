package ddb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ceramicnetwork/go-notary/models"
)

const tableCreationRetries = 3
const tableCreationWait = 3 * time.Second

// Client is the subset of the DynamoDB API used by the committed state table. *dynamodb.Client satisfies it.
type Client interface {
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

var _ Client = &dynamodb.Client{}

func createTable(ctx context.Context, logger models.Logger, client Client, createTableIn *dynamodb.CreateTableInput) error {
	if exists, err := tableExists(ctx, logger, client, *createTableIn.TableName); !exists {
		httpCtx, httpCancel := context.WithTimeout(ctx, models.DefaultRpcWaitTime)
		defer httpCancel()

		if _, err = client.CreateTable(httpCtx, createTableIn); err != nil {
			var inUseErr *types.ResourceInUseException
			if !errors.As(err, &inUseErr) {
				return err
			}
			// Another replica is creating the same table
		}
		for i := 0; i < tableCreationRetries; i++ {
			if exists, err = tableExists(ctx, logger, client, *createTableIn.TableName); exists {
				return nil
			}
			time.Sleep(tableCreationWait)
		}
		if err == nil {
			err = fmt.Errorf("table %s not active", *createTableIn.TableName)
		}
		return err
	}
	return nil
}

func tableExists(ctx context.Context, logger models.Logger, client Client, table string) (bool, error) {
	httpCtx, httpCancel := context.WithTimeout(ctx, models.DefaultRpcWaitTime)
	defer httpCancel()

	if output, err := client.DescribeTable(httpCtx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}); err != nil {
		logger.Infof("table does not exist: %v", table)
		return false, err
	} else {
		return output.Table.TableStatus == types.TableStatusActive, nil
	}
}

// keyTableInput describes an on-demand table with a single string hash key.
func keyTableInput(table, key string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(key),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(key),
				KeyType:       types.KeyTypeHash,
			},
		},
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
	}
}

// classify marks the failures DynamoDB expects callers to retry as transient.
func classify(op string, err error) error {
	var (
		throttlingErr   *types.ThrottlingException
		provisionedErr  *types.ProvisionedThroughputExceededException
		limitErr        *types.RequestLimitExceeded
		internalErr     *types.InternalServerError
		txConflictErr   *types.TransactionConflictException
		txInProgressErr *types.TransactionInProgressException
		cancelledErr    *types.TransactionCanceledException
		netErr          net.Error
	)
	wrapped := fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &throttlingErr) ||
		errors.As(err, &provisionedErr) ||
		errors.As(err, &limitErr) ||
		errors.As(err, &internalErr) ||
		errors.As(err, &txConflictErr) ||
		errors.As(err, &txInProgressErr) ||
		errors.As(err, &netErr) {
		return models.Transient(wrapped)
	}
	// Failed conditions are handled by the caller, so a cancellation reaching here lost to a conflicting
	// transaction or was throttled
	if errors.As(err, &cancelledErr) {
		return models.Transient(wrapped)
	}
	return wrapped
}
