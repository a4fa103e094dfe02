package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Party is the identity of a notarisation caller.
type Party struct {
	Name string
}

// RequestSignature is the caller's signature over a notarisation request. It is verified before it reaches the
// uniqueness provider and is only persisted here, for audit.
type RequestSignature struct {
	Signer          string
	Bytes           []byte
	PlatformVersion int
}

// TimeWindow bounds when a transaction may be notarised. A nil bound is open.
type TimeWindow struct {
	FromTime  *time.Time
	UntilTime *time.Time
}

func NewTimeWindow(from, until time.Time) *TimeWindow {
	return &TimeWindow{FromTime: &from, UntilTime: &until}
}

func FromOnly(from time.Time) *TimeWindow {
	return &TimeWindow{FromTime: &from}
}

func UntilOnly(until time.Time) *TimeWindow {
	return &TimeWindow{UntilTime: &until}
}

// Contains reports whether t is in [FromTime, UntilTime).
func (w *TimeWindow) Contains(t time.Time) bool {
	if w.FromTime != nil && t.Before(*w.FromTime) {
		return false
	}
	if w.UntilTime != nil && !t.Before(*w.UntilTime) {
		return false
	}
	return true
}

func (w *TimeWindow) String() string {
	from, until := "-inf", "+inf"
	if w.FromTime != nil {
		from = w.FromTime.UTC().Format(time.RFC3339Nano)
	}
	if w.UntilTime != nil {
		until = w.UntilTime.UTC().Format(time.RFC3339Nano)
	}
	return "[" + from + ", " + until + ")"
}

// CommitRequest is one notarisation attempt travelling through the batching pipeline.
type CommitRequest struct {
	Id             uuid.UUID
	States         []StateRef
	References     []StateRef
	TxId           SecureHash
	Caller         Party
	Signature      RequestSignature
	TimeWindow     *TimeWindow
	SequenceNumber *int64
	EnqueuedAt     time.Time
}

// NumStates is the request's weight in a batch: its input and reference states together.
func (r *CommitRequest) NumStates() int {
	return len(r.States) + len(r.References)
}

// Validate rejects requests that must never reach the store.
func (r *CommitRequest) Validate() error {
	if len(r.States) == 0 && len(r.References) == 0 {
		return fmt.Errorf("%w: transaction %s has no input or reference states", ErrMalformedRequest, r.TxId)
	}
	if len(r.Caller.Name) == 0 {
		return fmt.Errorf("%w: transaction %s has no caller identity", ErrMalformedRequest, r.TxId)
	}
	if r.SequenceNumber != nil && *r.SequenceNumber < 0 {
		return fmt.Errorf("%w: transaction %s has negative sequence number %d", ErrMalformedRequest, r.TxId, *r.SequenceNumber)
	}
	if r.TimeWindow != nil && r.TimeWindow.FromTime == nil && r.TimeWindow.UntilTime == nil {
		return fmt.Errorf("%w: transaction %s has an unbounded time window", ErrMalformedRequest, r.TxId)
	}
	seen := make(map[StateRef]bool, r.NumStates())
	for _, state := range r.States {
		if seen[state] {
			return fmt.Errorf("%w: duplicate input state %s in transaction %s", ErrMalformedRequest, state, r.TxId)
		}
		seen[state] = true
	}
	for _, ref := range r.References {
		if seen[ref] {
			return fmt.Errorf("%w: duplicate reference state %s in transaction %s", ErrMalformedRequest, ref, r.TxId)
		}
		seen[ref] = true
	}
	return nil
}
