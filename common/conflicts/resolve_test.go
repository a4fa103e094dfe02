package conflicts

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceramicnetwork/go-notary/models"
)

func txHash(name string) models.SecureHash {
	return models.Sha256([]byte(name))
}

func ref(issuer string, idx uint32) models.StateRef {
	return models.StateRef{TxHash: txHash(issuer), Index: idx}
}

func request(tx string, states []models.StateRef, refs ...models.StateRef) *models.CommitRequest {
	return &models.CommitRequest{
		Id:         uuid.New(),
		States:     states,
		References: refs,
		TxId:       txHash(tx),
		Caller:     models.Party{Name: "O=Alice,L=London,C=GB"},
	}
}

func TestResolve_FreeStatesAreClaimed(t *testing.T) {
	view := NewStoreView()
	req := request("tx1", []models.StateRef{ref("issue", 0), ref("issue", 1)})

	decision := Resolve([]*models.CommitRequest{req}, view, time.Now())

	assert.True(t, decision.Results[req.Id].IsSuccess())
	require.Len(t, decision.ToCommit, 1)
	assert.Equal(t, txHash("tx1"), view.Consumed[ref("issue", 0)])
	assert.Equal(t, txHash("tx1"), view.Consumed[ref("issue", 1)])
}

func TestResolve_ConflictNamesConsumingTransaction(t *testing.T) {
	view := NewStoreView()
	view.Consumed[ref("issue", 0)] = txHash("winner")
	req := request("loser", []models.StateRef{ref("issue", 0), ref("issue", 1)})

	decision := Resolve([]*models.CommitRequest{req}, view, time.Now())

	result := decision.Results[req.Id]
	require.Equal(t, models.ResultKind_Conflict, result.Kind)
	require.Len(t, result.Conflict.Consumed, 1)
	assert.Equal(t, txHash("winner"), result.Conflict.Consumed[ref("issue", 0)].ConsumingTxId)
	assert.Empty(t, decision.ToCommit)
	// the free state of a conflicting request must not be claimed
	_, claimed := view.Consumed[ref("issue", 1)]
	assert.False(t, claimed)
}

func TestResolve_SameTransactionIsIdempotent(t *testing.T) {
	view := NewStoreView()
	view.Consumed[ref("issue", 0)] = txHash("tx1")
	view.Committed[txHash("tx1")] = true
	req := request("tx1", []models.StateRef{ref("issue", 0)})

	decision := Resolve([]*models.CommitRequest{req}, view, time.Now())

	assert.True(t, decision.Results[req.Id].IsSuccess())
	assert.Empty(t, decision.ToCommit)
}

func TestResolve_ConflictWithinBatch(t *testing.T) {
	view := NewStoreView()
	first := request("first", []models.StateRef{ref("issue", 0)})
	second := request("second", []models.StateRef{ref("issue", 0), ref("issue", 7)})
	unrelated := request("unrelated", []models.StateRef{ref("other", 3)})

	decision := Resolve([]*models.CommitRequest{first, second, unrelated}, view, time.Now())

	assert.True(t, decision.Results[first.Id].IsSuccess())
	assert.True(t, decision.Results[unrelated.Id].IsSuccess())
	conflict := decision.Results[second.Id]
	require.Equal(t, models.ResultKind_Conflict, conflict.Kind)
	assert.Equal(t, txHash("first"), conflict.Conflict.Consumed[ref("issue", 0)].ConsumingTxId)
	assert.Equal(t, []*models.CommitRequest{first, unrelated}, decision.ToCommit)
}

func TestResolve_TimeWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := map[string]struct {
		window      *models.TimeWindow
		committed   bool
		states      []models.StateRef
		expected    models.ResultKind
		numToCommit int
	}{
		"inside window": {
			window:      models.NewTimeWindow(now.Add(-time.Minute), now.Add(time.Minute)),
			states:      []models.StateRef{ref("issue", 0)},
			expected:    models.ResultKind_Success,
			numToCommit: 1,
		},
		"until is exclusive": {
			window:   models.UntilOnly(now),
			states:   []models.StateRef{ref("issue", 0)},
			expected: models.ResultKind_TimeWindowInvalid,
		},
		"from is inclusive": {
			window:      models.FromOnly(now),
			states:      []models.StateRef{ref("issue", 0)},
			expected:    models.ResultKind_Success,
			numToCommit: 1,
		},
		"expired reference-only transaction that was signed before": {
			window:    models.UntilOnly(now.Add(-time.Hour)),
			committed: true,
			expected:  models.ResultKind_Success,
		},
		"expired reference-only transaction never signed": {
			window:   models.UntilOnly(now.Add(-time.Hour)),
			expected: models.ResultKind_TimeWindowInvalid,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			view := NewStoreView()
			req := request("tx", test.states, ref("reference", 0))
			req.TimeWindow = test.window
			if test.committed {
				view.Committed[req.TxId] = true
			}

			decision := Resolve([]*models.CommitRequest{req}, view, now)

			result := decision.Results[req.Id]
			assert.Equal(t, test.expected, result.Kind)
			assert.Len(t, decision.ToCommit, test.numToCommit)
			if test.expected == models.ResultKind_TimeWindowInvalid {
				assert.Equal(t, now, result.TimeWindow.CurrentTime)
				assert.ErrorIs(t, result.Err(), models.ErrTimeWindowInvalid)
			}
		})
	}
}

func TestResolve_References(t *testing.T) {
	view := NewStoreView()
	view.Consumed[ref("reference", 0)] = txHash("spender")

	withInputs := request("tx1", []models.StateRef{ref("issue", 0)}, ref("reference", 0))
	referenceOnly := request("tx2", nil, ref("reference", 0))
	signedBefore := request("tx3", nil, ref("reference", 0))
	view.Committed[signedBefore.TxId] = true

	decision := Resolve([]*models.CommitRequest{withInputs, referenceOnly, signedBefore}, view, time.Now())

	result := decision.Results[withInputs.Id]
	require.Equal(t, models.ResultKind_Conflict, result.Kind)
	assert.Equal(t, models.ConsumedStateType_ReferenceInputState, result.Conflict.Consumed[ref("reference", 0)].Type)
	assert.Equal(t, models.ResultKind_Conflict, decision.Results[referenceOnly.Id].Kind)
	assert.True(t, decision.Results[signedBefore.Id].IsSuccess())
	assert.Empty(t, decision.ToCommit)
}

func TestResolve_ReferenceOnlyResubmissionIsNotRecommitted(t *testing.T) {
	view := NewStoreView()
	first := request("tx", nil, ref("reference", 0))
	again := request("tx", nil, ref("reference", 0))

	decision := Resolve([]*models.CommitRequest{first, again}, view, time.Now())

	assert.True(t, decision.Results[first.Id].IsSuccess())
	assert.True(t, decision.Results[again.Id].IsSuccess())
	assert.Len(t, decision.ToCommit, 1)
}

func TestBatchStates(t *testing.T) {
	a := request("a", []models.StateRef{ref("issue", 0), ref("issue", 1)}, ref("reference", 0))
	b := request("b", []models.StateRef{ref("issue", 1)}, ref("reference", 0))

	assert.Equal(t, []models.StateRef{ref("issue", 0), ref("issue", 1), ref("reference", 0)}, BatchStates([]*models.CommitRequest{a, b}))
	assert.Equal(t, []models.SecureHash{txHash("a"), txHash("b")}, BatchTxIds([]*models.CommitRequest{a, b, a}))
}
