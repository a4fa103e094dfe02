// Package batch accumulates items submitted by many producers and hands them to a single handler in batches.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("batch queue stopped")

type Opts struct {
	// Maximum number of items in a batch.
	MaxSize int
	// Maximum combined weight of a batch. An item heavier than this is flushed on its own.
	MaxWeight int
	// A partial batch is flushed once its oldest item has waited this long.
	MaxLinger time.Duration
	// Maximum number of items waiting to be flushed. Enqueue blocks while the queue is full.
	MaxPending int
}

type Handler[T any] func(items []T)

type entry[T any] struct {
	item       T
	weight     int
	enqueuedAt time.Time
}

// Queue flushes pending items when MaxSize items are pending, when their combined weight reaches MaxWeight, or when
// the oldest has lingered for MaxLinger. Batches are handled one at a time, in order, on the queue's own goroutine;
// items enqueued while a batch is being handled form the next batch.
type Queue[T any] struct {
	opts    Opts
	weigh   func(T) int
	handler Handler[T]

	// Holds one token per item that was enqueued but not yet flushed
	slots chan struct{}
	kick  chan struct{}
	stop  chan struct{}
	done  chan struct{}

	lock          sync.Mutex
	pending       []entry[T]
	pendingWeight int
	stopping      bool

	startOnce sync.Once
	stopOnce  sync.Once
}

func New[T any](opts Opts, weigh func(T) int, handler Handler[T]) *Queue[T] {
	return &Queue[T]{
		opts:    opts,
		weigh:   weigh,
		handler: handler,
		slots:   make(chan struct{}, opts.MaxPending),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (q *Queue[T]) Start() {
	q.startOnce.Do(func() {
		go q.run()
	})
}

// Enqueue adds an item to the next batch. It blocks while MaxPending items are waiting, until space is freed, the
// context is done or the queue is stopped.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-q.stop:
		return ErrStopped
	default:
	}
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stop:
		return ErrStopped
	}

	q.lock.Lock()
	if q.stopping {
		q.lock.Unlock()
		<-q.slots
		return ErrStopped
	}
	weight := q.weigh(item)
	q.pending = append(q.pending, entry[T]{item, weight, time.Now()})
	q.pendingWeight += weight
	q.lock.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of items waiting to be flushed.
func (q *Queue[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pending)
}

// Weight returns the combined weight of the items waiting to be flushed.
func (q *Queue[T]) Weight() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.pendingWeight
}

// Stop rejects further items, then flushes everything still pending and waits for the last batch to be handled.
func (q *Queue[T]) Stop() {
	q.stopOnce.Do(func() {
		q.lock.Lock()
		q.stopping = true
		q.lock.Unlock()
		close(q.stop)
	})
	q.Start()
	<-q.done
}

func (q *Queue[T]) run() {
	defer close(q.done)
	for {
		items, wait := q.next()
		if items != nil {
			q.handler(items)
			continue
		}
		var timeout <-chan time.Time
		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-q.kick:
		case <-timeout:
		case <-q.stop:
			for {
				q.lock.Lock()
				items = q.take()
				q.lock.Unlock()
				if items == nil {
					break
				}
				q.handler(items)
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next returns a batch if one is ready, otherwise how long until the oldest item's linger expires. A zero wait with
// no batch means nothing is pending.
func (q *Queue[T]) next() ([]T, time.Duration) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.pending) == 0 {
		return nil, 0
	}
	lingered := time.Since(q.pending[0].enqueuedAt)
	if len(q.pending) >= q.opts.MaxSize || q.pendingWeight >= q.opts.MaxWeight || lingered >= q.opts.MaxLinger {
		return q.take(), 0
	}
	return nil, q.opts.MaxLinger - lingered
}

// take removes the longest prefix of pending items that fits in a batch and frees their slots. The first item is
// always taken. Must be called with the lock held.
func (q *Queue[T]) take() []T {
	if len(q.pending) == 0 {
		return nil
	}
	n, weight := 0, 0
	for n < len(q.pending) && n < q.opts.MaxSize {
		if n > 0 && weight+q.pending[n].weight > q.opts.MaxWeight {
			break
		}
		weight += q.pending[n].weight
		n++
	}
	items := make([]T, n)
	for idx := 0; idx < n; idx++ {
		items[idx] = q.pending[idx].item
		<-q.slots
	}
	clear(q.pending[:n])
	q.pending = q.pending[n:]
	q.pendingWeight -= weight
	return items
}
