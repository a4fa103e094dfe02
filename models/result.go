package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type ResultKind uint8

const (
	ResultKind_Success ResultKind = iota
	ResultKind_Conflict
	ResultKind_TimeWindowInvalid
	ResultKind_TransientUnavailable
)

func (k ResultKind) String() string {
	switch k {
	case ResultKind_Success:
		return "Success"
	case ResultKind_Conflict:
		return "Conflict"
	case ResultKind_TimeWindowInvalid:
		return "TimeWindowInvalid"
	case ResultKind_TransientUnavailable:
		return "TransientUnavailable"
	default:
		return fmt.Sprintf("ResultKind(%d)", uint8(k))
	}
}

// ConflictDetails lists the states of TxId that were already consumed, and by which transactions.
type ConflictDetails struct {
	TxId     SecureHash
	Consumed map[StateRef]StateConsumptionDetails
}

type TimeWindowDetails struct {
	CurrentTime time.Time
	TimeWindow  TimeWindow
}

// Result is the outcome of a commit request. Exactly one of the payload fields is set for the failure kinds.
type Result struct {
	Kind       ResultKind
	Conflict   *ConflictDetails
	TimeWindow *TimeWindowDetails
	Cause      error
}

func Success() Result {
	return Result{Kind: ResultKind_Success}
}

func ConflictResult(txId SecureHash, consumed map[StateRef]StateConsumptionDetails) Result {
	return Result{Kind: ResultKind_Conflict, Conflict: &ConflictDetails{TxId: txId, Consumed: consumed}}
}

func TimeWindowInvalidResult(now time.Time, window TimeWindow) Result {
	return Result{Kind: ResultKind_TimeWindowInvalid, TimeWindow: &TimeWindowDetails{CurrentTime: now, TimeWindow: window}}
}

func TransientUnavailableResult(cause error) Result {
	return Result{Kind: ResultKind_TransientUnavailable, Cause: cause}
}

func (r Result) IsSuccess() bool {
	return r.Kind == ResultKind_Success
}

// Err returns nil for a successful result, and a *NotaryError carrying the failure otherwise.
func (r Result) Err() error {
	if r.Kind == ResultKind_Success {
		return nil
	}
	return &NotaryError{Result: r}
}

// NotaryError is the error form of a failed Result.
type NotaryError struct {
	Result Result
}

func (e *NotaryError) Error() string {
	r := e.Result
	switch r.Kind {
	case ResultKind_Conflict:
		consumed := make([]string, 0, len(r.Conflict.Consumed))
		for ref, details := range r.Conflict.Consumed {
			consumed = append(consumed, fmt.Sprintf("%s consumed by %s (%s)", ref, details.ConsumingTxId, details.Type))
		}
		sort.Strings(consumed)
		return fmt.Sprintf("conflict: transaction %s: %s", r.Conflict.TxId, strings.Join(consumed, ", "))
	case ResultKind_TimeWindowInvalid:
		return fmt.Sprintf(
			"time window invalid: current time %s is outside %s",
			r.TimeWindow.CurrentTime.UTC().Format(time.RFC3339Nano),
			r.TimeWindow.TimeWindow.String(),
		)
	case ResultKind_TransientUnavailable:
		if r.Cause != nil {
			return fmt.Sprintf("transient unavailable: %v", r.Cause)
		}
		return "transient unavailable"
	default:
		return r.Kind.String()
	}
}

func (e *NotaryError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.Result.Kind == ResultKind_Conflict
	case ErrTimeWindowInvalid:
		return e.Result.Kind == ResultKind_TimeWindowInvalid
	case ErrTransientUnavailable:
		return e.Result.Kind == ResultKind_TransientUnavailable
	}
	return false
}

func (e *NotaryError) Unwrap() error {
	return e.Result.Cause
}
