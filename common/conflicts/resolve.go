// Package conflicts decides the outcome of every request in a batch from the backing store's view of consumed
// states. It is shared by all committed state repositories so that every backend applies the same rules.
package conflicts

import (
	"time"

	"github.com/google/uuid"

	"github.com/ceramicnetwork/go-notary/models"
)

// StoreView is what a repository has read inside its claiming transaction.
type StoreView struct {
	// Consumed maps every already consumed state among the batch's states and references to its consuming
	// transaction.
	Consumed map[models.StateRef]models.SecureHash
	// Committed holds the batch transaction ids that were notarised before.
	Committed map[models.SecureHash]bool
}

func NewStoreView() *StoreView {
	return &StoreView{
		Consumed:  make(map[models.StateRef]models.SecureHash),
		Committed: make(map[models.SecureHash]bool),
	}
}

type Decision struct {
	Results map[uuid.UUID]models.Result
	// Requests whose states and transaction id must be written, in batch order.
	ToCommit []*models.CommitRequest
}

// Resolve decides each request in order. The view is updated in place as requests succeed, so that a later request in
// the same batch conflicts with an earlier one.
func Resolve(requests []*models.CommitRequest, view *StoreView, now time.Time) Decision {
	decision := Decision{
		Results:  make(map[uuid.UUID]models.Result, len(requests)),
		ToCommit: make([]*models.CommitRequest, 0, len(requests)),
	}
	for _, request := range requests {
		decision.Results[request.Id] = resolveRequest(request, view, now, &decision)
	}
	return decision
}

func resolveRequest(request *models.CommitRequest, view *StoreView, now time.Time, decision *Decision) models.Result {
	inputConflicts := findConflicts(request.States, models.ConsumedStateType_InputState, view)
	referenceConflicts := findConflicts(request.References, models.ConsumedStateType_ReferenceInputState, view)

	if len(inputConflicts) > 0 || len(referenceConflicts) > 0 {
		conflicts := make(map[models.StateRef]models.StateConsumptionDetails, len(inputConflicts)+len(referenceConflicts))
		for ref, details := range referenceConflicts {
			conflicts[ref] = details
		}
		for ref, details := range inputConflicts {
			conflicts[ref] = details
		}
		if len(request.States) == 0 {
			// A reference-only transaction may legitimately be resubmitted after one of its references was consumed
			if view.Committed[request.TxId] {
				return models.Success()
			}
			return models.ConflictResult(request.TxId, conflicts)
		}
		if len(inputConflicts) > 0 && consumedBySameTx(request.TxId, inputConflicts) {
			return models.Success()
		}
		return models.ConflictResult(request.TxId, conflicts)
	}

	outsideTimeWindow := request.TimeWindow != nil && !request.TimeWindow.Contains(now)
	preSigned := outsideTimeWindow && len(request.States) == 0 && view.Committed[request.TxId]
	if outsideTimeWindow && !preSigned {
		return models.TimeWindowInvalidResult(now, *request.TimeWindow)
	}
	if !view.Committed[request.TxId] {
		decision.ToCommit = append(decision.ToCommit, request)
		view.Committed[request.TxId] = true
	}
	for _, state := range request.States {
		view.Consumed[state] = request.TxId
	}
	return models.Success()
}

func findConflicts(refs []models.StateRef, stateType models.ConsumedStateType, view *StoreView) map[models.StateRef]models.StateConsumptionDetails {
	var conflicts map[models.StateRef]models.StateConsumptionDetails
	for _, ref := range refs {
		if consumingTx, found := view.Consumed[ref]; found {
			if conflicts == nil {
				conflicts = make(map[models.StateRef]models.StateConsumptionDetails)
			}
			conflicts[ref] = models.StateConsumptionDetails{ConsumingTxId: consumingTx, Type: stateType}
		}
	}
	return conflicts
}

func consumedBySameTx(txId models.SecureHash, conflicts map[models.StateRef]models.StateConsumptionDetails) bool {
	for _, details := range conflicts {
		if details.ConsumingTxId != txId {
			return false
		}
	}
	return true
}

// BatchStates returns the distinct states and references of a batch, in first-seen order.
func BatchStates(requests []*models.CommitRequest) []models.StateRef {
	seen := make(map[models.StateRef]bool)
	refs := make([]models.StateRef, 0)
	for _, request := range requests {
		for _, ref := range request.States {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
		for _, ref := range request.References {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// BatchTxIds returns the distinct transaction ids of a batch.
func BatchTxIds(requests []*models.CommitRequest) []models.SecureHash {
	seen := make(map[models.SecureHash]bool)
	txIds := make([]models.SecureHash, 0, len(requests))
	for _, request := range requests {
		if !seen[request.TxId] {
			seen[request.TxId] = true
			txIds = append(txIds, request.TxId)
		}
	}
	return txIds
}
