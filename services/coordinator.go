package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ceramicnetwork/go-notary/common/batch"
	"github.com/ceramicnetwork/go-notary/common/retry"
	"github.com/ceramicnetwork/go-notary/models"
)

type pendingCommit struct {
	request *models.CommitRequest
	future  *CommitFuture
}

// CommitCoordinator batches commit requests and claims each batch's states in the committed state repository.
type CommitCoordinator struct {
	repo          models.CommittedStateRepository
	executor      *retry.Executor
	queue         *batch.Queue[*pendingCommit]
	eta           *EtaEstimator
	devMode       bool
	logger        models.Logger
	metricService models.MetricService
}

func NewCommitCoordinator(
	repo models.CommittedStateRepository,
	cfg models.NotaryConfig,
	logger models.Logger,
	metricService models.MetricService,
	retryOpts ...retry.Option,
) *CommitCoordinator {
	c := &CommitCoordinator{
		repo:          repo,
		executor:      retry.NewExecutor(cfg.Batch, logger, metricService, retryOpts...),
		eta:           NewEtaEstimator(),
		devMode:       cfg.DevMode,
		logger:        logger,
		metricService: metricService,
	}
	c.queue = batch.New[*pendingCommit](
		batch.Opts{
			MaxSize:    cfg.Batch.MaxBatchSize,
			MaxWeight:  cfg.Batch.MaxBatchInputStates,
			MaxLinger:  cfg.Batch.BatchTimeout,
			MaxPending: cfg.Batch.MaxQueueSize,
		},
		func(pc *pendingCommit) int { return pc.request.NumStates() },
		c.commitBatch,
	)
	return c
}

func (c *CommitCoordinator) Start(ctx context.Context) error {
	if c.devMode {
		if err := c.executor.Do(ctx, "createTables", c.repo.CreateTables); err != nil {
			return fmt.Errorf("coordinator: error creating tables: %w", err)
		}
	}
	c.metricService.Gauge(ctx, models.MetricName_RequestQueueSize, queueMonitor{c.queue})
	c.queue.Start()
	c.logger.Infof("coordinator: started")
	return nil
}

// Stop rejects new requests and returns once every queued request has been resolved.
func (c *CommitCoordinator) Stop() {
	c.logger.Infof("coordinator: stopping with %d queued requests", c.queue.Len())
	c.queue.Stop()
	c.logger.Infof("coordinator: stopped")
}

// Submit queues a request, blocking while the queue is full.
func (c *CommitCoordinator) Submit(ctx context.Context, request *models.CommitRequest) (*CommitFuture, error) {
	future := newCommitFuture()
	request.EnqueuedAt = time.Now()
	if err := c.queue.Enqueue(ctx, &pendingCommit{request, future}); err != nil {
		if errors.Is(err, batch.ErrStopped) {
			return nil, models.ErrProviderStopped
		}
		return nil, err
	}
	return future, nil
}

// Eta estimates how long a request with numStates states would wait to be committed.
func (c *CommitCoordinator) Eta(ctx context.Context, numStates int) time.Duration {
	queuedStates := c.queue.Weight()
	eta := c.eta.Estimate(queuedStates)
	c.logger.Debugf("coordinator: rate: %.1f states/min, queued states: %d, eta for %d states: %s", c.eta.Throughput(), queuedStates, numStates, eta)
	c.metricService.Distribution(ctx, models.MetricName_QueuedInputStates, queuedStates)
	c.metricService.Distribution(ctx, models.MetricName_ProcessingEtaSeconds, int(eta.Seconds()))
	return eta
}

func (c *CommitCoordinator) commitBatch(pending []*pendingCommit) {
	ctx := context.Background()
	start := time.Now()
	// Every future must be completed, whatever happens below
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("coordinator: panic while completing batch: %v", r)
			c.failBatch(ctx, pending, fmt.Errorf("panic while completing batch: %v", r))
		}
	}()

	requests := make([]*models.CommitRequest, len(pending))
	numStates := 0
	for idx, pc := range pending {
		requests[idx] = pc.request
		numStates += pc.request.NumStates()
	}
	c.logger.Debugf("coordinator: processing batch of size: %d, input states: %d", len(requests), numStates)

	results, err := c.claim(ctx, requests)
	if err != nil {
		c.logger.Errorf("coordinator: error committing batch of %d requests: %v", len(requests), err)
		c.failBatch(ctx, pending, err)
		return
	}
	for _, pc := range pending {
		result, found := results[pc.request.Id]
		if !found {
			result = models.TransientUnavailableResult(fmt.Errorf("no result for request %s", pc.request.Id))
		}
		c.complete(ctx, pc, result)
	}

	elapsed := time.Since(start)
	c.eta.Record(numStates, elapsed)
	c.metricService.Count(ctx, models.MetricName_BatchCommitted, 1)
	c.metricService.Distribution(ctx, models.MetricName_BatchSize, len(requests))
	c.metricService.Distribution(ctx, models.MetricName_BatchInputStates, numStates)
	c.metricService.Distribution(ctx, models.MetricName_BatchLatency, int(elapsed.Milliseconds()))
}

// claim runs the repository through the retry executor, converting a panic into an error.
func (c *CommitCoordinator) claim(ctx context.Context, requests []*models.CommitRequest) (results map[uuid.UUID]models.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while committing states: %v", r)
		}
	}()
	return retry.Run(ctx, c.executor, "commitStates", func(ctx context.Context) (map[uuid.UUID]models.Result, error) {
		return c.repo.CommitStates(ctx, requests, time.Now())
	})
}

func (c *CommitCoordinator) failBatch(ctx context.Context, pending []*pendingCommit, cause error) {
	c.metricService.Count(ctx, models.MetricName_BatchFailed, 1)
	for _, pc := range pending {
		c.complete(ctx, pc, models.TransientUnavailableResult(cause))
	}
}

func (c *CommitCoordinator) complete(ctx context.Context, pc *pendingCommit, result models.Result) {
	if !pc.future.complete(result) {
		return
	}
	switch result.Kind {
	case models.ResultKind_Conflict:
		c.logger.Infof("coordinator: %v", result.Err())
		c.metricService.Count(ctx, models.MetricName_CommitConflict, 1)
	case models.ResultKind_TimeWindowInvalid:
		c.logger.Infof("coordinator: transaction %s: %v", pc.request.TxId, result.Err())
		c.metricService.Count(ctx, models.MetricName_CommitTimeWindow, 1)
	case models.ResultKind_TransientUnavailable:
		c.metricService.Count(ctx, models.MetricName_CommitTransient, 1)
	}
	c.metricService.Distribution(ctx, models.MetricName_CommitLatency, int(time.Since(pc.request.EnqueuedAt).Milliseconds()))
}

type queueMonitor struct {
	queue *batch.Queue[*pendingCommit]
}

func (m queueMonitor) GetValue(context.Context) (int, error) {
	return m.queue.Len(), nil
}
