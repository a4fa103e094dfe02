package models

import "errors"

var (
	ErrConflict             = errors.New("input states already consumed")
	ErrTimeWindowInvalid    = errors.New("time window invalid")
	ErrTransientUnavailable = errors.New("backing store unavailable")
	ErrMalformedRequest     = errors.New("malformed commit request")
	ErrRetriesExhausted     = errors.New("retries exhausted")
	ErrProviderStopped      = errors.New("uniqueness provider stopped")
	ErrInvalidTransaction   = errors.New("invalid transaction")
)

// TransientError marks a backing store failure that may succeed if the operation is retried, e.g. a lost
// connection or a serialization failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}
