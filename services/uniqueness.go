package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ceramicnetwork/go-notary/models"
)

// UniquenessProviderService commits the states consumed by notarised transactions. Requests are validated and
// deduplicated here, then batched and committed by the coordinator.
type UniquenessProviderService struct {
	coordinator   *CommitCoordinator
	dedup         *SequenceDeduplicator
	logger        models.Logger
	metricService models.MetricService
}

func NewUniquenessProviderService(
	coordinator *CommitCoordinator,
	dedup *SequenceDeduplicator,
	logger models.Logger,
	metricService models.MetricService,
) *UniquenessProviderService {
	return &UniquenessProviderService{coordinator, dedup, logger, metricService}
}

func (p *UniquenessProviderService) Start(ctx context.Context) error {
	return p.coordinator.Start(ctx)
}

func (p *UniquenessProviderService) Stop() {
	p.coordinator.Stop()
}

// CommitAsync queues a commit request and returns a future for its result. It only blocks while the queue is full.
// Malformed requests are rejected with models.ErrMalformedRequest. A request carrying a sequence number that is not
// higher than the last one accepted from the same caller is a resubmission, and completes successfully at once.
func (p *UniquenessProviderService) CommitAsync(
	ctx context.Context,
	states []models.StateRef,
	txId models.SecureHash,
	caller models.Party,
	signature models.RequestSignature,
	timeWindow *models.TimeWindow,
	opts ...models.CommitOption,
) (models.ResultFuture, error) {
	request := &models.CommitRequest{
		Id:         uuid.New(),
		States:     states,
		TxId:       txId,
		Caller:     caller,
		Signature:  signature,
		TimeWindow: timeWindow,
	}
	for _, opt := range opts {
		opt(request)
	}
	if err := request.Validate(); err != nil {
		p.logger.Warnf("uniqueness: rejected request for transaction %s from %s: %v", txId, caller.Name, err)
		p.metricService.Count(ctx, models.MetricName_MalformedRequest, 1)
		return nil, err
	}
	p.metricService.Count(ctx, models.MetricName_CommitRequest, 1)
	p.metricService.Distribution(ctx, models.MetricName_RequestInputStates, len(request.States))

	if request.SequenceNumber == nil {
		future, err := p.coordinator.Submit(ctx, request)
		if err != nil {
			return nil, err
		}
		return future, nil
	}
	seq := *request.SequenceNumber
	isNew, previous := p.dedup.check(caller.Name, seq)
	if !isNew {
		p.logger.Debugf("uniqueness: duplicate request %d for transaction %s from %s", seq, txId, caller.Name)
		p.metricService.Count(ctx, models.MetricName_DuplicateRequest, 1)
		return completedFuture(models.Success()), nil
	}
	future, err := p.coordinator.Submit(ctx, request)
	if err != nil {
		p.dedup.rollback(caller.Name, seq, previous)
		return nil, err
	}
	// A request that could not be committed must not be mistaken for a duplicate when the caller retries it
	future.onComplete(func(result models.Result) {
		if result.Kind == models.ResultKind_TransientUnavailable {
			p.dedup.rollback(caller.Name, seq, previous)
		}
	})
	return future, nil
}

// Commit is the blocking form of CommitAsync. It returns a *models.NotaryError if the request failed.
func (p *UniquenessProviderService) Commit(
	ctx context.Context,
	states []models.StateRef,
	txId models.SecureHash,
	caller models.Party,
	signature models.RequestSignature,
	timeWindow *models.TimeWindow,
	opts ...models.CommitOption,
) error {
	future, err := p.CommitAsync(ctx, states, txId, caller, signature, timeWindow, opts...)
	if err != nil {
		return err
	}
	result, err := future.Get(ctx)
	if err != nil {
		return err
	}
	return result.Err()
}

// Eta estimates the wait for a request with numStates input and reference states.
func (p *UniquenessProviderService) Eta(numStates int) time.Duration {
	return p.coordinator.Eta(context.Background(), numStates)
}
