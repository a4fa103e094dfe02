package services

import (
	"slices"
	"sync"
	"time"

	"github.com/ceramicnetwork/go-notary/models"
)

const throughputHistorySize = 100

// EtaEstimator estimates how long newly queued states will wait, from the throughput of recently committed batches.
type EtaEstimator struct {
	lock       sync.Mutex
	history    []float64
	next       int
	throughput float64
}

func NewEtaEstimator() *EtaEstimator {
	return &EtaEstimator{history: make([]float64, 0, throughputHistorySize)}
}

// Record adds the throughput of a processed batch to the sliding window. The estimate uses the window's median,
// which a single slow or fast batch barely moves.
func (e *EtaEstimator) Record(numStates int, elapsed time.Duration) {
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	statesPerMinute := max(float64(numStates)*float64(time.Minute)/float64(elapsed), 1)

	e.lock.Lock()
	defer e.lock.Unlock()
	if len(e.history) < throughputHistorySize {
		e.history = append(e.history, statesPerMinute)
	} else {
		e.history[e.next] = statesPerMinute
		e.next = (e.next + 1) % throughputHistorySize
	}
	sorted := slices.Clone(e.history)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		e.throughput = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		e.throughput = sorted[mid]
	}
}

// Throughput returns the median number of states committed per minute.
func (e *EtaEstimator) Throughput() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.throughput
}

// Estimate returns twice the time the queued states take at the current throughput, as a probable upper bound. With
// nothing queued or no throughput measured yet, it returns models.DefaultEstimatedWaitTime.
func (e *EtaEstimator) Estimate(queuedStates int) time.Duration {
	rate := e.Throughput()
	if rate <= 0 || queuedStates <= 0 {
		return models.DefaultEstimatedWaitTime
	}
	seconds := int64(2 * 60 * float64(queuedStates) / rate)
	return time.Duration(seconds) * time.Second
}
