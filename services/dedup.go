package services

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SequenceDeduplicator remembers the highest sequence number seen from each caller. A caller that stays idle for
// longer than the expiry is forgotten, and its next sequence number is accepted whatever its value.
type SequenceDeduplicator struct {
	lock       sync.Mutex
	watermarks *expirable.LRU[string, int64]
}

// NewSequenceDeduplicator tracks at most maxEntries callers, or any number of callers if maxEntries is 0.
//
// The underlying cache runs an expiry goroutine that lives as long as the process, so a notary builds one
// deduplicator and shares it for its whole lifetime.
func NewSequenceDeduplicator(expiry time.Duration, maxEntries int) *SequenceDeduplicator {
	return &SequenceDeduplicator{watermarks: expirable.NewLRU[string, int64](maxEntries, nil, expiry)}
}

// CheckDuplicate returns true if the sequence number is new for this caller, i.e. strictly greater than every
// sequence number seen from it before, and false for a duplicate or stale number.
func (d *SequenceDeduplicator) CheckDuplicate(identity string, seq int64) bool {
	isNew, _ := d.check(identity, seq)
	return isNew
}

// check also returns the watermark as it was before the call, so that an accepted number can be rolled back.
func (d *SequenceDeduplicator) check(identity string, seq int64) (bool, int64) {
	d.lock.Lock()
	defer d.lock.Unlock()

	watermark, found := d.watermarks.Get(identity)
	if !found {
		watermark = -1
	}
	// Re-adding renews the entry's expiry on every access
	d.watermarks.Add(identity, max(seq, watermark))
	return seq > watermark, watermark
}

// rollback restores the previous watermark of a caller, unless a higher sequence number was accepted since.
func (d *SequenceDeduplicator) rollback(identity string, seq int64, previous int64) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if watermark, found := d.watermarks.Get(identity); found && watermark == seq {
		d.watermarks.Add(identity, previous)
	}
}

func (d *SequenceDeduplicator) Len() int {
	return d.watermarks.Len()
}
