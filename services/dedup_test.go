package services

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckDuplicate(t *testing.T) {
	tests := map[string]struct {
		sequence []int64
		expected []bool
	}{
		"first number is accepted": {
			sequence: []int64{0},
			expected: []bool{true},
		},
		"increasing numbers are accepted": {
			sequence: []int64{1, 2, 5},
			expected: []bool{true, true, true},
		},
		"repeated number is a duplicate": {
			sequence: []int64{3, 3},
			expected: []bool{true, false},
		},
		"stale number is a duplicate": {
			sequence: []int64{7, 4, 8},
			expected: []bool{true, false, true},
		},
		"watermark never moves backwards": {
			sequence: []int64{10, 2, 9, 10, 11},
			expected: []bool{true, false, false, false, true},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			dedup := NewSequenceDeduplicator(time.Hour, 0)
			for idx, seq := range test.sequence {
				assert.Equal(t, test.expected[idx], dedup.CheckDuplicate("caller", seq), "sequence number %d", seq)
			}
		})
	}
}

func TestCheckDuplicateIsPerCaller(t *testing.T) {
	dedup := NewSequenceDeduplicator(time.Hour, 0)
	assert.True(t, dedup.CheckDuplicate("alice", 5))
	assert.True(t, dedup.CheckDuplicate("bob", 5))
	assert.False(t, dedup.CheckDuplicate("alice", 5))
	assert.Equal(t, 2, dedup.Len())
}

func TestCheckDuplicateSlidingExpiry(t *testing.T) {
	expiry := 300 * time.Millisecond
	dedup := NewSequenceDeduplicator(expiry, 0)
	assert.True(t, dedup.CheckDuplicate("caller", 10))

	// Every access renews the entry, so a caller that keeps calling is never forgotten
	for i := 0; i < 4; i++ {
		time.Sleep(expiry / 3)
		assert.False(t, dedup.CheckDuplicate("caller", 10))
	}

	// An idle caller is forgotten
	time.Sleep(2 * expiry)
	assert.True(t, dedup.CheckDuplicate("caller", 1))
}

func TestCheckDuplicateMaxEntries(t *testing.T) {
	dedup := NewSequenceDeduplicator(time.Hour, 2)
	dedup.CheckDuplicate("a", 1)
	dedup.CheckDuplicate("b", 1)
	dedup.CheckDuplicate("c", 1)
	assert.Equal(t, 2, dedup.Len())
	// The least recently seen caller was evicted
	assert.True(t, dedup.CheckDuplicate("a", 1))
}

func TestCheckDuplicateConcurrentSingleWinner(t *testing.T) {
	dedup := NewSequenceDeduplicator(time.Hour, 0)
	numCallers := 100
	var numAccepted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < numCallers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if dedup.CheckDuplicate("caller", 42) {
				numAccepted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), numAccepted.Load())
}

func TestCheckDuplicateConcurrentKeepsMaximum(t *testing.T) {
	dedup := NewSequenceDeduplicator(time.Hour, 0)
	var wg sync.WaitGroup
	for seq := int64(0); seq < 200; seq++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			dedup.CheckDuplicate("caller", seq)
		}(seq)
	}
	wg.Wait()
	assert.False(t, dedup.CheckDuplicate("caller", 199))
	assert.True(t, dedup.CheckDuplicate("caller", 200))
}

func TestRollback(t *testing.T) {
	dedup := NewSequenceDeduplicator(time.Hour, 0)
	dedup.CheckDuplicate("caller", 3)
	isNew, previous := dedup.check("caller", 4)
	assert.True(t, isNew)
	assert.Equal(t, int64(3), previous)

	dedup.rollback("caller", 4, previous)
	assert.True(t, dedup.CheckDuplicate("caller", 4))

	// A rollback does not undo a later, higher number
	isNew, previous = dedup.check("caller", 5)
	assert.True(t, isNew)
	dedup.CheckDuplicate("caller", 6)
	dedup.rollback("caller", 5, previous)
	assert.False(t, dedup.CheckDuplicate("caller", 6))
}
