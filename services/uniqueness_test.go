package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceramicnetwork/go-notary/common/db"
	"github.com/ceramicnetwork/go-notary/common/loggers"
	"github.com/ceramicnetwork/go-notary/models"
)

func newTestProvider(t *testing.T, repo models.CommittedStateRepository, cfg models.NotaryConfig) (*UniquenessProviderService, *MockMetricService) {
	t.Helper()
	logger := loggers.NewTestLogger()
	metricService := &MockMetricService{}
	coordinator := NewCommitCoordinator(repo, cfg, logger, metricService)
	provider := NewUniquenessProviderService(coordinator, NewSequenceDeduplicator(cfg.DedupExpiry, cfg.DedupMaxEntries), logger, metricService)
	require.NoError(t, provider.Start(context.Background()))
	t.Cleanup(provider.Stop)
	return provider, metricService
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	repo := NewFakeCommittedStateRepository()
	provider, metricService := newTestProvider(t, repo, testConfig())

	err := provider.Commit(ctx, []models.StateRef{ref("issue", 0)}, txHash("tx1"), alice, models.RequestSignature{}, nil)
	require.NoError(t, err)

	err = provider.Commit(ctx, []models.StateRef{ref("issue", 0)}, txHash("tx2"), alice, models.RequestSignature{}, nil)
	require.ErrorIs(t, err, models.ErrConflict)
	var notaryErr *models.NotaryError
	require.True(t, errors.As(err, &notaryErr))
	assert.Equal(t, txHash("tx1"), notaryErr.Result.Conflict.Consumed[ref("issue", 0)].ConsumingTxId)

	assert.Equal(t, 2, metricService.count(models.MetricName_CommitRequest))
	assert.Equal(t, 1, metricService.count(models.MetricName_CommitConflict))
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewFakeCommittedStateRepository()
	provider, _ := newTestProvider(t, repo, testConfig())

	states := []models.StateRef{ref("issue", 0), ref("issue", 1)}
	for i := 0; i < 3; i++ {
		assert.NoError(t, provider.Commit(ctx, states, txHash("tx1"), alice, models.RequestSignature{}, nil))
	}
}

func TestCommitSameBatchConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewFakeCommittedStateRepository()
	cfg := testConfig()
	cfg.Batch.MaxBatchSize = 2
	cfg.Batch.BatchTimeout = time.Hour
	provider, _ := newTestProvider(t, repo, cfg)

	winner, err := provider.CommitAsync(ctx, []models.StateRef{ref("issue", 0)}, txHash("winner"), alice, models.RequestSignature{}, nil)
	require.NoError(t, err)
	loser, err := provider.CommitAsync(ctx, []models.StateRef{ref("issue", 0)}, txHash("loser"), alice, models.RequestSignature{}, nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	results, err := waitForResults(waitCtx, []models.ResultFuture{winner, loser})
	require.NoError(t, err)

	assert.True(t, results[0].IsSuccess())
	require.Equal(t, models.ResultKind_Conflict, results[1].Kind)
	assert.Equal(t, txHash("winner"), results[1].Conflict.Consumed[ref("issue", 0)].ConsumingTxId)
	require.Len(t, repo.committedBatches(), 1)
	assert.Len(t, repo.committedBatches()[0], 2)
}

func TestCommitTimeWindow(t *testing.T) {
	ctx := context.Background()
	repo := NewFakeCommittedStateRepository()
	provider, _ := newTestProvider(t, repo, testConfig())

	expired := models.UntilOnly(time.Now().Add(-time.Minute))
	err := provider.Commit(ctx, []models.StateRef{ref("issue", 0)}, txHash("tx1"), alice, models.RequestSignature{}, expired)
	assert.ErrorIs(t, err, models.ErrTimeWindowInvalid)

	// Nothing was claimed
	err = provider.Commit(ctx, []models.StateRef{ref("issue", 0)}, txHash("tx2"), alice, models.RequestSignature{}, nil)
	assert.NoError(t, err)
}

func TestCommitTransientFailures(t *testing.T) {
	tests := map[string]struct {
		repo          *FakeCommittedStateRepository
		retries       int
		expectedCalls int
		expectedKind  models.ResultKind
	}{
		"recovers within retries": {
			repo: &FakeCommittedStateRepository{
				failures: []error{models.Transient(errors.New("connection reset")), models.Transient(errors.New("connection reset"))},
			},
			retries:       2,
			expectedCalls: 3,
			expectedKind:  models.ResultKind_Success,
		},
		"unavailable once retries are exhausted": {
			repo:          &FakeCommittedStateRepository{alwaysFail: models.Transient(errors.New("connection refused"))},
			retries:       3,
			expectedCalls: 4,
			expectedKind:  models.ResultKind_TransientUnavailable,
		},
		"unavailable without retrying a permanent failure": {
			repo:          &FakeCommittedStateRepository{alwaysFail: errors.New("relation does not exist")},
			retries:       3,
			expectedCalls: 1,
			expectedKind:  models.ResultKind_TransientUnavailable,
		},
		"unavailable when the store panics": {
			repo:          &FakeCommittedStateRepository{panicWith: "boom"},
			retries:       3,
			expectedCalls: 1,
			expectedKind:  models.ResultKind_TransientUnavailable,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			test.repo.view = NewFakeCommittedStateRepository().view
			cfg := testConfig()
			cfg.Batch.ConnectionRetries = test.retries
			cfg.Batch.MaxBatchSize = 3
			cfg.Batch.BatchTimeout = time.Hour
			provider, metricService := newTestProvider(t, test.repo, cfg)

			futures := make([]models.ResultFuture, 3)
			for i := range futures {
				future, err := provider.CommitAsync(ctx, []models.StateRef{ref("issue", uint32(i))}, txHash(fmt.Sprint(i)), alice, models.RequestSignature{}, nil)
				require.NoError(t, err)
				futures[i] = future
			}
			waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			results, err := waitForResults(waitCtx, futures)
			require.NoError(t, err)

			for _, result := range results {
				assert.Equal(t, test.expectedKind, result.Kind)
				if test.expectedKind == models.ResultKind_TransientUnavailable {
					assert.ErrorIs(t, result.Err(), models.ErrTransientUnavailable)
					assert.Error(t, result.Cause)
				}
			}
			assert.Equal(t, test.expectedCalls, test.repo.calls())
			if test.expectedKind == models.ResultKind_TransientUnavailable {
				assert.Equal(t, 1, metricService.count(models.MetricName_BatchFailed))
				assert.Equal(t, 3, metricService.count(models.MetricName_CommitTransient))
			}
		})
	}
}

func TestCommitMalformedRequest(t *testing.T) {
	ctx := context.Background()
	repo := NewFakeCommittedStateRepository()
	provider, metricService := newTestProvider(t, repo, testConfig())

	tests := map[string]struct {
		states []models.StateRef
		caller models.Party
		opts   []models.CommitOption
	}{
		"no states": {
			caller: alice,
		},
		"duplicate input state": {
			states: []models.StateRef{ref("issue", 0), ref("issue", 0)},
			caller: alice,
		},
		"state is also a reference": {
			states: []models.StateRef{ref("issue", 0)},
			caller: alice,
			opts:   []models.CommitOption{models.WithReferences(ref("issue", 0))},
		},
		"no caller": {
			states: []models.StateRef{ref("issue", 0)},
		},
		"negative sequence number": {
			states: []models.StateRef{ref("issue", 0)},
			caller: alice,
			opts:   []models.CommitOption{models.WithSequenceNumber(-1)},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			future, err := provider.CommitAsync(ctx, test.states, txHash("tx"), test.caller, models.RequestSignature{}, nil, test.opts...)
			assert.ErrorIs(t, err, models.ErrMalformedRequest)
			assert.Nil(t, future)
		})
	}
	assert.Equal(t, 0, repo.calls())
	assert.Equal(t, len(tests), metricService.count(models.MetricName_MalformedRequest))
}

func TestCommitDeduplicatesSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	repo := NewFakeCommittedStateRepository()
	provider, metricService := newTestProvider(t, repo, testConfig())

	states := []models.StateRef{ref("issue", 0)}
	require.NoError(t, provider.Commit(ctx, states, txHash("tx1"), alice, models.RequestSignature{}, nil, models.WithSequenceNumber(5)))
	require.Equal(t, 1, repo.calls())

	// A resubmission with a different transaction would conflict if it reached the store
	tests := map[string]int64{
		"duplicate": 5,
		"stale":     3,
	}
	for name, seq := range tests {
		t.Run(name, func(t *testing.T) {
			future, err := provider.CommitAsync(ctx, states, txHash("tx2"), alice, models.RequestSignature{}, nil, models.WithSequenceNumber(seq))
			require.NoError(t, err)
			assert.True(t, resolvedResult(t, future).IsSuccess())
		})
	}
	assert.Equal(t, 1, repo.calls())
	assert.Equal(t, 2, metricService.count(models.MetricName_DuplicateRequest))

	// Another caller's sequence numbers are independent
	bob := models.Party{Name: "O=Bob,L=Paris,C=FR"}
	err := provider.Commit(ctx, states, txHash("tx3"), bob, models.RequestSignature{}, nil, models.WithSequenceNumber(5))
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestCommitNegativeSequenceNumberCannotSkipStore(t *testing.T) {
	ctx := context.Background()
	repo := NewFakeCommittedStateRepository()
	provider, _ := newTestProvider(t, repo, testConfig())
	carol := models.Party{Name: "O=Carol,L=Madrid,C=ES"}

	states := []models.StateRef{ref("issue", 0)}
	for _, seq := range []int64{-1, -5} {
		err := provider.Commit(ctx, states, txHash("tx1"), carol, models.RequestSignature{}, nil, models.WithSequenceNumber(seq))
		require.ErrorIs(t, err, models.ErrMalformedRequest)
	}
	assert.Equal(t, 0, repo.calls())

	require.NoError(t, provider.Commit(ctx, states, txHash("tx2"), carol, models.RequestSignature{}, nil, models.WithSequenceNumber(0)))
	err := provider.Commit(ctx, states, txHash("tx1"), carol, models.RequestSignature{}, nil, models.WithSequenceNumber(1))
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestCommitFailedRequestIsNotDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewFakeCommittedStateRepository()
	repo.failures = []error{errors.New("relation does not exist")}
	provider, _ := newTestProvider(t, repo, testConfig())

	states := []models.StateRef{ref("issue", 0)}
	err := provider.Commit(ctx, states, txHash("tx1"), alice, models.RequestSignature{}, nil, models.WithSequenceNumber(1))
	require.ErrorIs(t, err, models.ErrTransientUnavailable)

	err = provider.Commit(ctx, states, txHash("tx1"), alice, models.RequestSignature{}, nil, models.WithSequenceNumber(1))
	require.NoError(t, err)
	assert.Equal(t, 2, repo.calls())
}

func TestStopResolvesEveryRequest(t *testing.T) {
	ctx := context.Background()
	repo := NewFakeCommittedStateRepository()
	cfg := testConfig()
	cfg.Batch.MaxBatchSize = 4
	cfg.Batch.BatchTimeout = time.Hour
	logger := loggers.NewTestLogger()
	metricService := &MockMetricService{}
	coordinator := NewCommitCoordinator(repo, cfg, logger, metricService)
	provider := NewUniquenessProviderService(coordinator, NewSequenceDeduplicator(time.Hour, 0), logger, metricService)
	require.NoError(t, provider.Start(ctx))

	futures := make([]models.ResultFuture, 10)
	for i := range futures {
		future, err := provider.CommitAsync(ctx, []models.StateRef{ref("issue", uint32(i))}, txHash(fmt.Sprint(i)), alice, models.RequestSignature{}, nil)
		require.NoError(t, err)
		futures[i] = future
	}
	provider.Stop()

	for _, future := range futures {
		assert.True(t, resolvedResult(t, future).IsSuccess())
	}
	_, err := provider.CommitAsync(ctx, []models.StateRef{ref("late", 0)}, txHash("late"), alice, models.RequestSignature{}, nil)
	assert.ErrorIs(t, err, models.ErrProviderStopped)
}

func TestStartCreatesTablesInDevMode(t *testing.T) {
	for _, devMode := range []bool{true, false} {
		t.Run(fmt.Sprintf("dev mode %v", devMode), func(t *testing.T) {
			repo := NewFakeCommittedStateRepository()
			cfg := testConfig()
			cfg.DevMode = devMode
			newTestProvider(t, repo, cfg)
			assert.Equal(t, devMode, repo.tablesCreated)
		})
	}
}

func TestEtaWithoutTraffic(t *testing.T) {
	provider, _ := newTestProvider(t, NewFakeCommittedStateRepository(), testConfig())
	assert.Equal(t, models.DefaultEstimatedWaitTime, provider.Eta(10))
}

// Randomly overlapping transactions from many concurrent callers, committed through a real SQL store. No state may
// ever be consumed by two transactions, and every successful transaction must own all of its states.
func TestNoDoubleSpend(t *testing.T) {
	ctx := context.Background()
	sqlDb, err := db.OpenSqlite(filepath.Join(t.TempDir(), "notary.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDb.Close() })
	logger := loggers.NewTestLogger()
	committedDb := db.NewCommittedStateDb(sqlDb, db.Dialect_Sqlite, logger, &MockMetricService{})

	cfg := testConfig()
	cfg.DevMode = true
	cfg.Batch.MaxBatchSize = 8
	cfg.Batch.MaxBatchInputStates = 20
	cfg.Batch.MaxQueueSize = 16
	provider, _ := newTestProvider(t, committedDb, cfg)

	numCallers := 16
	txPerCaller := 15
	poolSize := 40
	type attempt struct {
		txId   models.SecureHash
		states []models.StateRef
		err    error
	}
	attempts := make([][]attempt, numCallers)
	var wg sync.WaitGroup
	for c := 0; c < numCallers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(c)))
			caller := models.Party{Name: fmt.Sprintf("O=Caller %d,L=London,C=GB", c)}
			for i := 0; i < txPerCaller; i++ {
				picked := rnd.Perm(poolSize)[:1+rnd.Intn(3)]
				states := make([]models.StateRef, len(picked))
				for idx, p := range picked {
					states[idx] = ref("pool", uint32(p))
				}
				txId := txHash(fmt.Sprintf("tx-%d-%d", c, i))
				err := provider.Commit(ctx, states, txId, caller, models.RequestSignature{}, nil)
				attempts[c] = append(attempts[c], attempt{txId, states, err})
			}
		}(c)
	}
	wg.Wait()

	consumers := make(map[models.StateRef]models.SecureHash)
	numSuccess := 0
	for _, callerAttempts := range attempts {
		for _, a := range callerAttempts {
			if a.err != nil {
				require.ErrorIs(t, a.err, models.ErrConflict)
				continue
			}
			numSuccess++
			for _, state := range a.states {
				previous, found := consumers[state]
				require.False(t, found, "state %s consumed by both %s and %s", state, previous, a.txId)
				consumers[state] = a.txId

				consumingTx, err := committedDb.GetConsumingTx(ctx, state)
				require.NoError(t, err)
				require.NotNil(t, consumingTx)
				assert.Equal(t, a.txId, *consumingTx)
			}
		}
	}
	assert.Greater(t, numSuccess, 0)
	count, err := committedDb.CommittedStateCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(consumers), count)
}
