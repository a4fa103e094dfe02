package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ceramicnetwork/go-notary/common/aws/ddb"
	"github.com/ceramicnetwork/go-notary/common/db"
	"github.com/ceramicnetwork/go-notary/models"
)

// NotaryService hosts a uniqueness provider and creates the flows that answer notarisation requests. A validating
// notary verifies each transaction before committing its states; a non-validating notary only commits them.
type NotaryService struct {
	name          string
	provider      *UniquenessProviderService
	verifier      models.TransactionVerifier
	monitor       models.ResourceMonitor
	logger        models.Logger
	metricService models.MetricService
}

var _ models.NotaryService = &NotaryService{}

func NewSqlNonValidatingNotaryService(committedDb *db.CommittedStateDatabase, cfg models.NotaryConfig, logger models.Logger, metricService models.MetricService) *NotaryService {
	return newNotaryService("sql-non-validating", committedDb, nil, db.NewDbMonitor(committedDb), cfg, logger, metricService)
}

func NewSqlValidatingNotaryService(committedDb *db.CommittedStateDatabase, cfg models.NotaryConfig, verifier models.TransactionVerifier, logger models.Logger, metricService models.MetricService) *NotaryService {
	return newNotaryService("sql-validating", committedDb, verifier, db.NewDbMonitor(committedDb), cfg, logger, metricService)
}

// NewDynamoDbNotaryService is validating if a verifier is given.
func NewDynamoDbNotaryService(table *ddb.CommittedStateTable, cfg models.NotaryConfig, verifier models.TransactionVerifier, logger models.Logger, metricService models.MetricService) *NotaryService {
	name := "dynamodb-non-validating"
	if verifier != nil {
		name = "dynamodb-validating"
	}
	return newNotaryService(name, table, verifier, ddb.NewTableMonitor(table), cfg, logger, metricService)
}

func newNotaryService(
	name string,
	repo models.CommittedStateRepository,
	verifier models.TransactionVerifier,
	monitor models.ResourceMonitor,
	cfg models.NotaryConfig,
	logger models.Logger,
	metricService models.MetricService,
) *NotaryService {
	coordinator := NewCommitCoordinator(repo, cfg, logger, metricService)
	dedup := NewSequenceDeduplicator(cfg.DedupExpiry, cfg.DedupMaxEntries)
	return &NotaryService{
		name:          name,
		provider:      NewUniquenessProviderService(coordinator, dedup, logger, metricService),
		verifier:      verifier,
		monitor:       monitor,
		logger:        logger,
		metricService: metricService,
	}
}

func (n *NotaryService) Start(ctx context.Context) error {
	if err := n.provider.Start(ctx); err != nil {
		return fmt.Errorf("notary: error starting %s notary: %w", n.name, err)
	}
	if n.monitor != nil {
		n.metricService.Gauge(ctx, models.MetricName_CommittedStates, n.monitor)
	}
	n.logger.Infof("notary: started %s notary", n.name)
	return nil
}

func (n *NotaryService) Stop() {
	n.provider.Stop()
	n.logger.Infof("notary: stopped %s notary", n.name)
}

func (n *NotaryService) UniquenessProvider() models.UniquenessProvider {
	return n.provider
}

func (n *NotaryService) CreateServiceFlow(session models.FlowSession) models.ServiceFlow {
	return &notaryServiceFlow{n, session}
}

// TransactionIdVerifier checks that the serialized transaction hashes to the id it is notarised under. Contract
// verification belongs to the hosting node.
type TransactionIdVerifier struct{}

func (TransactionIdVerifier) Verify(ctx context.Context, payload *models.NotarisationPayload) error {
	if len(payload.Transaction) == 0 {
		return fmt.Errorf("%w: transaction %s has no contents", models.ErrInvalidTransaction, payload.TxId)
	}
	if models.Sha256(payload.Transaction) != payload.TxId {
		return fmt.Errorf("%w: contents do not hash to %s", models.ErrInvalidTransaction, payload.TxId)
	}
	return nil
}

type notaryServiceFlow struct {
	service *NotaryService
	session models.FlowSession
}

// Call answers one notarisation request. Rejections are sent back to the counterparty; only failures to receive,
// reply or reach the provider are returned.
func (f *notaryServiceFlow) Call(ctx context.Context) error {
	payload, err := f.session.Receive(ctx)
	if err != nil {
		return fmt.Errorf("notaryFlow: error receiving request: %w", err)
	}
	caller := f.session.Counterparty()
	response := &models.NotarisationResponse{TxId: payload.TxId}

	if f.service.verifier != nil {
		if err = f.service.verifier.Verify(ctx, payload); err != nil {
			f.service.logger.Warnf("notaryFlow: transaction %s from %s failed verification: %v", payload.TxId, caller.Name, err)
			response.Err = err
			return f.session.Send(ctx, response)
		}
	}

	opts := []models.CommitOption{models.WithReferences(payload.References...)}
	if payload.SequenceNumber != nil {
		opts = append(opts, models.WithSequenceNumber(*payload.SequenceNumber))
	}
	err = f.service.provider.Commit(ctx, payload.States, payload.TxId, caller, payload.Signature, payload.TimeWindow, opts...)
	var notaryErr *models.NotaryError
	if err != nil && !errors.As(err, &notaryErr) && !errors.Is(err, models.ErrMalformedRequest) {
		return fmt.Errorf("notaryFlow: error committing transaction %s: %w", payload.TxId, err)
	}
	response.Err = err
	if err == nil {
		f.service.logger.Debugf("notaryFlow: notarised transaction %s for %s", payload.TxId, caller.Name)
	}
	return f.session.Send(ctx, response)
}
