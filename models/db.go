package models

const (
	TableName_CommittedStates       = "notary_committed_states"
	TableName_RequestLog            = "notary_request_log"
	TableName_CommittedTransactions = "notary_committed_transactions"
)

// Number of state refs looked up per query. Keeps parameter counts well under driver limits.
const DbLookupChunkSize = 400
