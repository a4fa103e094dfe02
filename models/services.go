package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CommittedStateRepository is the durable record of consumed states. CommitStates claims the states of a batch of
// requests in one unit of work and returns the outcome of each request, keyed by request id.
type CommittedStateRepository interface {
	CreateTables(ctx context.Context) error
	CommitStates(ctx context.Context, requests []*CommitRequest, now time.Time) (map[uuid.UUID]Result, error)
}

// ResultFuture completes exactly once with the outcome of a commit request.
type ResultFuture interface {
	Get(ctx context.Context) (Result, error)
}

type CommitOption func(*CommitRequest)

func WithSequenceNumber(seq int64) CommitOption {
	return func(r *CommitRequest) {
		r.SequenceNumber = &seq
	}
}

func WithReferences(refs ...StateRef) CommitOption {
	return func(r *CommitRequest) {
		r.References = append(r.References, refs...)
	}
}

type UniquenessProvider interface {
	CommitAsync(ctx context.Context, states []StateRef, txId SecureHash, caller Party, signature RequestSignature, timeWindow *TimeWindow, opts ...CommitOption) (ResultFuture, error)
	Commit(ctx context.Context, states []StateRef, txId SecureHash, caller Party, signature RequestSignature, timeWindow *TimeWindow, opts ...CommitOption) error
	Eta(numStates int) time.Duration
}

// NotarisationPayload is what a caller's flow sends to the notary.
type NotarisationPayload struct {
	TxId           SecureHash
	States         []StateRef
	References     []StateRef
	TimeWindow     *TimeWindow
	Signature      RequestSignature
	SequenceNumber *int64
	// Serialized transaction, only inspected by validating notaries.
	Transaction []byte
}

type NotarisationResponse struct {
	TxId SecureHash
	Err  error
}

// FlowSession is a conversation with one counterparty, owned by the messaging layer.
type FlowSession interface {
	Counterparty() Party
	Receive(ctx context.Context) (*NotarisationPayload, error)
	Send(ctx context.Context, response *NotarisationResponse) error
}

type ServiceFlow interface {
	Call(ctx context.Context) error
}

// TransactionVerifier resolves and verifies a transaction's contents. It is provided by the hosting node.
type TransactionVerifier interface {
	Verify(ctx context.Context, payload *NotarisationPayload) error
}

type NotaryService interface {
	Start(ctx context.Context) error
	Stop()
	CreateServiceFlow(session FlowSession) ServiceFlow
	UniquenessProvider() UniquenessProvider
}

type ResourceMonitor interface {
	GetValue(ctx context.Context) (int, error)
}

type MetricService interface {
	Count(ctx context.Context, name MetricName, val int) error
	Gauge(ctx context.Context, name MetricName, monitor ResourceMonitor) error
	Distribution(ctx context.Context, name MetricName, val int) error
	Shutdown(ctx context.Context)
}

type Logger interface {
	Debugf(template string, args ...interface{})
	Debugw(msg string, args ...interface{})
	Errorf(template string, args ...interface{})
	Fatalf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Infoln(args ...interface{})
	Warnf(template string, args ...interface{})
	Sync() error
}
