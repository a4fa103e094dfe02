package ddb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ceramicnetwork/go-notary/common/conflicts"
	"github.com/ceramicnetwork/go-notary/models"
)

const (
	attr_StateRef  = "state_ref"
	attr_TxId      = "tx_id"
	attr_RequestId = "request_id"
)

type committedState struct {
	StateRef    string `dynamodbav:"state_ref"`
	ConsumingTx string `dynamodbav:"consuming_tx,omitempty"`
}

type committedTransaction struct {
	TxId string `dynamodbav:"tx_id"`
}

type requestLogEntry struct {
	RequestId       string    `dynamodbav:"request_id"`
	TxId            string    `dynamodbav:"tx_id"`
	Party           string    `dynamodbav:"party"`
	Signer          string    `dynamodbav:"signer,omitempty"`
	Signature       []byte    `dynamodbav:"signature,omitempty"`
	PlatformVersion int       `dynamodbav:"platform_version"`
	RequestDate     time.Time `dynamodbav:"request_date"`
}

// DynamoDB API limits
const (
	batchGetLimit      = 100
	batchWriteLimit    = 25
	transactWriteLimit = 100
)

// Rounds spent resending keys or items that DynamoDB left unprocessed before giving up on the batch.
const unprocessedRetries = 5

const conditionalCheckFailed = "ConditionalCheckFailed"

var errUnprocessed = errors.New("unprocessed items remain")

// Returned when a write lost a conditional check to another notary.
var errConcurrentClaim = errors.New("state claimed concurrently")

// CommittedStateTable stores consumed states in a DynamoDB table keyed on the state reference. DynamoDB has no
// multi-request isolation, so each request's states are claimed in their own conditional transaction: a request
// either claims all of its states or none of them, and a state can only ever be claimed once.
type CommittedStateTable struct {
	client          Client
	statesTable     string
	txTable         string
	requestLogTable string
	logger          models.Logger
	metricService   models.MetricService
}

var _ models.CommittedStateRepository = &CommittedStateTable{}

func NewCommittedStateTable(client Client, tablePrefix string, logger models.Logger, metricService models.MetricService) *CommittedStateTable {
	return &CommittedStateTable{
		client:          client,
		statesTable:     tablePrefix + models.TableName_CommittedStates,
		txTable:         tablePrefix + models.TableName_CommittedTransactions,
		requestLogTable: tablePrefix + models.TableName_RequestLog,
		logger:          logger,
		metricService:   metricService,
	}
}

func (t *CommittedStateTable) CreateTables(ctx context.Context) error {
	if err := createTable(ctx, t.logger, t.client, keyTableInput(t.statesTable, attr_StateRef)); err != nil {
		return fmt.Errorf("createTables: %s: %w", t.statesTable, err)
	} else if err = createTable(ctx, t.logger, t.client, keyTableInput(t.txTable, attr_TxId)); err != nil {
		return fmt.Errorf("createTables: %s: %w", t.txTable, err)
	} else if err = createTable(ctx, t.logger, t.client, keyTableInput(t.requestLogTable, attr_RequestId)); err != nil {
		return fmt.Errorf("createTables: %s: %w", t.requestLogTable, err)
	}
	return nil
}

// CommitStates decides the batch from a consistent read of the tables and then writes the accepted requests one
// conditional transaction at a time, in batch order. If a condition fails, another notary claimed a state after our
// read. Results up to that request stand, and the rest of the batch is read and decided again.
func (t *CommittedStateTable) CommitStates(ctx context.Context, requests []*models.CommitRequest, now time.Time) (map[uuid.UUID]models.Result, error) {
	if err := t.logRequests(ctx, requests, now); err != nil {
		return nil, err
	}
	results := make(map[uuid.UUID]models.Result, len(requests))
	pending := make([]*models.CommitRequest, 0, len(requests))
	for _, request := range requests {
		if numItems := request.NumStates() + 1; numItems > transactWriteLimit {
			results[request.Id] = models.TransientUnavailableResult(fmt.Errorf(
				"transaction %s needs %d items, more than the %d that can be written atomically",
				request.TxId, numItems, transactWriteLimit,
			))
			continue
		}
		pending = append(pending, request)
	}
	for attempt := 1; len(pending) > 0; attempt++ {
		remaining, err := t.commitStates(ctx, pending, now, results)
		if err != nil {
			return nil, err
		}
		if len(remaining) == 0 {
			break
		}
		t.metricService.Count(ctx, models.MetricName_StoreRollback, 1)
		if attempt >= models.MaxRollbackRetries {
			return nil, models.Transient(fmt.Errorf("commitStates: re-read %d times: %w", attempt, errConcurrentClaim))
		}
		t.logger.Warnf("commitStates: transaction %s lost a state to another notary, re-reading %d requests", remaining[0].TxId, len(remaining))
		pending = remaining
	}
	return results, nil
}

// commitStates fills in the results of the requests it settles, and returns the requests that must be decided again.
func (t *CommittedStateTable) commitStates(ctx context.Context, requests []*models.CommitRequest, now time.Time, results map[uuid.UUID]models.Result) ([]*models.CommitRequest, error) {
	view, err := t.readView(ctx, requests)
	if err != nil {
		return nil, err
	}
	decision := conflicts.Resolve(requests, view, now)
	positions := make(map[uuid.UUID]int, len(requests))
	for idx, request := range requests {
		positions[request.Id] = idx
	}
	numStored := 0
	defer func() {
		t.metricService.Count(ctx, models.MetricName_CommittedStatesStored, numStored)
	}()
	for _, request := range decision.ToCommit {
		if err = t.writeRequest(ctx, request); err != nil {
			if !errors.Is(err, errConcurrentClaim) {
				return nil, err
			}
			settled := positions[request.Id]
			for _, r := range requests[:settled] {
				results[r.Id] = decision.Results[r.Id]
			}
			return requests[settled:], nil
		}
		numStored += len(request.States)
	}
	for _, r := range requests {
		results[r.Id] = decision.Results[r.Id]
	}
	return nil, nil
}

// logRequests records every request of the batch, including the ones that end up rejected. Entries are keyed on the
// request id, so logging a retried batch again is harmless.
func (t *CommittedStateTable) logRequests(ctx context.Context, requests []*models.CommitRequest, now time.Time) error {
	for start := 0; start < len(requests); start += batchWriteLimit {
		chunk := requests[start:min(start+batchWriteLimit, len(requests))]
		writes := make([]types.WriteRequest, len(chunk))
		for idx, request := range chunk {
			attributeValues, err := attributevalue.MarshalMapWithOptions(requestLogEntry{
				RequestId:       request.Id.String(),
				TxId:            request.TxId.String(),
				Party:           request.Caller.Name,
				Signer:          request.Signature.Signer,
				Signature:       request.Signature.Bytes,
				PlatformVersion: request.Signature.PlatformVersion,
				RequestDate:     now,
			}, func(options *attributevalue.EncoderOptions) {
				options.EncodeTime = func(time time.Time) (types.AttributeValue, error) {
					return &types.AttributeValueMemberN{Value: strconv.FormatInt(time.UnixMilli(), 10)}, nil
				}
			})
			if err != nil {
				return fmt.Errorf("logRequests: %w", err)
			}
			writes[idx] = types.WriteRequest{PutRequest: &types.PutRequest{Item: attributeValues}}
		}
		input := &dynamodb.BatchWriteItemInput{RequestItems: map[string][]types.WriteRequest{t.requestLogTable: writes}}
		err := t.drain(ctx, func(ctx context.Context) (bool, error) {
			output, err := t.client.BatchWriteItem(ctx, input)
			if err != nil {
				return false, err
			}
			input.RequestItems = output.UnprocessedItems
			return len(output.UnprocessedItems) > 0, nil
		})
		if err != nil {
			return classify("logRequests", err)
		}
	}
	return nil
}

func (t *CommittedStateTable) readView(ctx context.Context, requests []*models.CommitRequest) (*conflicts.StoreView, error) {
	view := conflicts.NewStoreView()
	states := conflicts.BatchStates(requests)
	stateKeys := make([]committedState, len(states))
	for idx, state := range states {
		stateKeys[idx] = committedState{StateRef: state.Key()}
	}
	err := batchGet(ctx, t, t.statesTable, stateKeys, func(item *committedState) error {
		state, err := models.ParseStateRef(item.StateRef)
		if err != nil {
			return fmt.Errorf("readView: corrupt state reference: %w", err)
		}
		consumingTx, err := models.ParseSecureHash(item.ConsumingTx)
		if err != nil {
			return fmt.Errorf("readView: corrupt consuming transaction id: %w", err)
		}
		view.Consumed[state] = consumingTx
		return nil
	})
	if err != nil {
		return nil, err
	}
	txIds := conflicts.BatchTxIds(requests)
	txKeys := make([]committedTransaction, len(txIds))
	for idx, txId := range txIds {
		txKeys[idx] = committedTransaction{TxId: txId.String()}
	}
	err = batchGet(ctx, t, t.txTable, txKeys, func(item *committedTransaction) error {
		txId, err := models.ParseSecureHash(item.TxId)
		if err != nil {
			return fmt.Errorf("readView: corrupt transaction id: %w", err)
		}
		view.Committed[txId] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// batchGet reads the items with the given keys using strongly consistent reads, so that a claim made by another
// notary before the read is always seen.
func batchGet[K, V any](ctx context.Context, t *CommittedStateTable, table string, keys []K, handle func(*V) error) error {
	for start := 0; start < len(keys); start += batchGetLimit {
		chunk := keys[start:min(start+batchGetLimit, len(keys))]
		itemKeys := make([]map[string]types.AttributeValue, len(chunk))
		for idx, key := range chunk {
			attributeValues, err := attributevalue.MarshalMap(key)
			if err != nil {
				return fmt.Errorf("batchGet: %s: %w", table, err)
			}
			itemKeys[idx] = attributeValues
		}
		input := &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				table: {Keys: itemKeys, ConsistentRead: aws.Bool(true)},
			},
		}
		var items []map[string]types.AttributeValue
		err := t.drain(ctx, func(ctx context.Context) (bool, error) {
			output, err := t.client.BatchGetItem(ctx, input)
			if err != nil {
				return false, err
			}
			items = append(items, output.Responses[table]...)
			input.RequestItems = output.UnprocessedKeys
			return len(output.UnprocessedKeys) > 0, nil
		})
		if err != nil {
			return classify("batchGet: "+table, err)
		}
		for _, attributeValues := range items {
			item := new(V)
			if err = attributevalue.UnmarshalMap(attributeValues, item); err != nil {
				return fmt.Errorf("batchGet: %s: unable to unmarshal item: %w", table, err)
			}
			if err = handle(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// drain repeats a batch call, with backoff, for as long as DynamoDB reports unprocessed work.
func (t *CommittedStateTable) drain(ctx context.Context, call func(ctx context.Context) (bool, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		httpCtx, httpCancel := context.WithTimeout(ctx, models.DefaultRpcWaitTime)
		defer httpCancel()

		unprocessed, err := call(httpCtx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if unprocessed {
			return errUnprocessed
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, unprocessedRetries), ctx))
	if errors.Is(err, errUnprocessed) {
		return models.Transient(err)
	}
	return err
}

// writeRequest claims a request's input states and records its transaction id. The write also checks that none of
// the request's references were consumed since the read.
func (t *CommittedStateTable) writeRequest(ctx context.Context, request *models.CommitRequest) error {
	txId := request.TxId.String()
	items := make([]types.TransactWriteItem, 0, request.NumStates()+1)
	for _, state := range request.States {
		attributeValues, err := attributevalue.MarshalMap(committedState{StateRef: state.Key(), ConsumingTx: txId})
		if err != nil {
			return fmt.Errorf("writeRequest: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(t.statesTable),
				Item:                attributeValues,
				ConditionExpression: aws.String("attribute_not_exists(" + attr_StateRef + ")"),
			},
		})
	}
	for _, ref := range request.References {
		key, err := attributevalue.MarshalMap(committedState{StateRef: ref.Key()})
		if err != nil {
			return fmt.Errorf("writeRequest: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(t.statesTable),
				Key:                 key,
				ConditionExpression: aws.String("attribute_not_exists(" + attr_StateRef + ")"),
			},
		})
	}
	attributeValues, err := attributevalue.MarshalMap(committedTransaction{TxId: txId})
	if err != nil {
		return fmt.Errorf("writeRequest: %w", err)
	}
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(t.txTable),
			Item:                attributeValues,
			ConditionExpression: aws.String("attribute_not_exists(" + attr_TxId + ")"),
		},
	})

	httpCtx, httpCancel := context.WithTimeout(ctx, models.DefaultRpcWaitTime)
	defer httpCancel()

	_, err = t.client.TransactWriteItems(httpCtx, &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(request.Id.String()),
	})
	if err == nil {
		return nil
	}
	var cancelledErr *types.TransactionCanceledException
	if errors.As(err, &cancelledErr) {
		for _, reason := range cancelledErr.CancellationReasons {
			if aws.ToString(reason.Code) == conditionalCheckFailed {
				return fmt.Errorf("writeRequest: transaction %s: %w", request.TxId, errConcurrentClaim)
			}
		}
	}
	return classify("writeRequest", err)
}

// GetConsumingTx returns the transaction that consumed a state, or nil if the state is unspent.
func (t *CommittedStateTable) GetConsumingTx(ctx context.Context, state models.StateRef) (*models.SecureHash, error) {
	var consumingTx *models.SecureHash
	err := batchGet(ctx, t, t.statesTable, []committedState{{StateRef: state.Key()}}, func(item *committedState) error {
		hash, err := models.ParseSecureHash(item.ConsumingTx)
		if err != nil {
			return fmt.Errorf("getConsumingTx: corrupt transaction id: %w", err)
		}
		consumingTx = &hash
		return nil
	})
	return consumingTx, err
}

// CommittedStateCount is DynamoDB's item count for the states table, which lags writes by up to several hours.
func (t *CommittedStateTable) CommittedStateCount(ctx context.Context) (int, error) {
	httpCtx, httpCancel := context.WithTimeout(ctx, models.DefaultRpcWaitTime)
	defer httpCancel()

	output, err := t.client.DescribeTable(httpCtx, &dynamodb.DescribeTableInput{TableName: aws.String(t.statesTable)})
	if err != nil {
		return 0, classify("committedStateCount", err)
	}
	return int(aws.ToInt64(output.Table.ItemCount)), nil
}
