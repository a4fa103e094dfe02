package models

type MetricName string

const (
	MetricName_BatchCommitted        MetricName = "batch_committed"
	MetricName_BatchFailed           MetricName = "batch_failed"
	MetricName_BatchInputStates      MetricName = "batch_input_states"
	MetricName_BatchLatency          MetricName = "batch_latency_ms"
	MetricName_BatchSize             MetricName = "batch_size"
	MetricName_CommitLatency         MetricName = "commit_latency_ms"
	MetricName_CommitRequest         MetricName = "commit_request"
	MetricName_CommitConflict        MetricName = "commit_conflict"
	MetricName_CommitTimeWindow      MetricName = "commit_time_window_invalid"
	MetricName_CommitTransient       MetricName = "commit_transient_unavailable"
	MetricName_ConnectionRetry       MetricName = "connection_retry"
	MetricName_DuplicateRequest      MetricName = "duplicate_request"
	MetricName_RequestInputStates    MetricName = "request_input_states"
	MetricName_RequestQueueSize      MetricName = "request_queue_size"
	MetricName_StoreRollback         MetricName = "store_rollback"
	MetricName_ProcessingEtaSeconds  MetricName = "processing_eta_seconds"
	MetricName_QueuedInputStates     MetricName = "queued_input_states"
	MetricName_MalformedRequest      MetricName = "malformed_request"
	MetricName_CommittedStatesStored MetricName = "committed_states_stored"
	MetricName_CommittedStates       MetricName = "committed_states"
)

const MetricsCallerName = "go-notary"
