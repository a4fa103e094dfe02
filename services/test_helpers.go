package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ceramicnetwork/go-notary/common/conflicts"
	"github.com/ceramicnetwork/go-notary/models"
)

// FakeCommittedStateRepository resolves batches against an in-memory view. Each call fails with the next error in
// failures, if any remain, and panics instead if panicWith is set.
type FakeCommittedStateRepository struct {
	lock          sync.Mutex
	view          *conflicts.StoreView
	failures      []error
	alwaysFail    error
	panicWith     any
	tablesCreated bool
	numCalls      int
	batches       [][]*models.CommitRequest
}

func NewFakeCommittedStateRepository() *FakeCommittedStateRepository {
	return &FakeCommittedStateRepository{view: conflicts.NewStoreView()}
}

func (f *FakeCommittedStateRepository) CreateTables(ctx context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.tablesCreated = true
	return nil
}

func (f *FakeCommittedStateRepository) CommitStates(ctx context.Context, requests []*models.CommitRequest, now time.Time) (map[uuid.UUID]models.Result, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.numCalls++
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.alwaysFail != nil {
		return nil, f.alwaysFail
	}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	f.batches = append(f.batches, requests)
	return conflicts.Resolve(requests, f.view, now).Results, nil
}

func (f *FakeCommittedStateRepository) calls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.numCalls
}

func (f *FakeCommittedStateRepository) committedBatches() [][]*models.CommitRequest {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.batches
}

type MockMetricService struct {
	lock          sync.Mutex
	counts        map[models.MetricName]int
	distributions map[models.MetricName][]int
	gauges        map[models.MetricName]models.ResourceMonitor
}

func (m *MockMetricService) Count(ctx context.Context, name models.MetricName, val int) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.counts == nil {
		m.counts = make(map[models.MetricName]int)
	}
	m.counts[name] += val
	return nil
}

func (m *MockMetricService) Distribution(ctx context.Context, name models.MetricName, val int) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.distributions == nil {
		m.distributions = make(map[models.MetricName][]int)
	}
	m.distributions[name] = append(m.distributions[name], val)
	return nil
}

func (m *MockMetricService) Gauge(ctx context.Context, name models.MetricName, monitor models.ResourceMonitor) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.gauges == nil {
		m.gauges = make(map[models.MetricName]models.ResourceMonitor)
	}
	m.gauges[name] = monitor
	return nil
}

func (m *MockMetricService) Shutdown(ctx context.Context) {}

func (m *MockMetricService) count(name models.MetricName) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.counts[name]
}

type FakeFlowSession struct {
	counterparty models.Party
	payload      *models.NotarisationPayload
	responses    chan *models.NotarisationResponse
}

func NewFakeFlowSession(counterparty models.Party, payload *models.NotarisationPayload) *FakeFlowSession {
	return &FakeFlowSession{counterparty, payload, make(chan *models.NotarisationResponse, 1)}
}

func (f *FakeFlowSession) Counterparty() models.Party {
	return f.counterparty
}

func (f *FakeFlowSession) Receive(ctx context.Context) (*models.NotarisationPayload, error) {
	return f.payload, nil
}

func (f *FakeFlowSession) Send(ctx context.Context, response *models.NotarisationResponse) error {
	f.responses <- response
	return nil
}

type FakeTransactionVerifier struct {
	err      error
	verified []models.SecureHash
}

func (f *FakeTransactionVerifier) Verify(ctx context.Context, payload *models.NotarisationPayload) error {
	f.verified = append(f.verified, payload.TxId)
	return f.err
}

func testConfig() models.NotaryConfig {
	cfg := models.DefaultNotaryConfig()
	cfg.Batch.BackOffIncrement = 0
	cfg.Batch.BatchTimeout = 5 * time.Millisecond
	return cfg
}

func txHash(name string) models.SecureHash {
	return models.Sha256([]byte(name))
}

func ref(issuer string, idx uint32) models.StateRef {
	return models.StateRef{TxHash: txHash(issuer), Index: idx}
}

var alice = models.Party{Name: "O=Alice,L=London,C=GB"}

func waitForResults(ctx context.Context, futures []models.ResultFuture) ([]models.Result, error) {
	results := make([]models.Result, len(futures))
	for i, future := range futures {
		result, err := future.Get(ctx)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}
