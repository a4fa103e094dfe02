package models

import "time"

const (
	DefaultConnectionRetries   = 2 // Default value for a 3 server cluster
	DefaultBackOffIncrement    = 500 * time.Millisecond
	DefaultBackOffBase         = 1.5
	DefaultMaxBatchSize        = 500
	DefaultMaxBatchInputStates = 10_000
	DefaultBatchTimeout        = 200 * time.Millisecond
	DefaultMaxQueueSize        = 100_000
	DefaultDedupExpiry         = 10 * time.Minute
)

// Reported when there is no throughput signal to estimate from.
const DefaultEstimatedWaitTime = 10 * time.Second

const DefaultRpcWaitTime = 30 * time.Second

// Upper bound on store transactions rolled back because a concurrent notary claimed the same state first.
const MaxRollbackRetries = 100
