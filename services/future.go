package services

import (
	"context"
	"sync"

	"github.com/abevier/tsk/futures"

	"github.com/ceramicnetwork/go-notary/models"
)

// CommitFuture is completed exactly once, with the result of a commit request. Callbacks registered with onComplete
// run before any waiter sees the result.
type CommitFuture struct {
	future *futures.Future[models.Result]

	lock      sync.Mutex
	completed bool
	result    models.Result
	callbacks []func(models.Result)
}

func newCommitFuture() *CommitFuture {
	return &CommitFuture{future: futures.New[models.Result]()}
}

func completedFuture(result models.Result) *CommitFuture {
	f := newCommitFuture()
	f.complete(result)
	return f
}

// complete sets the result, runs the registered callbacks and then releases waiters. Only the first call has any
// effect; it returns false for every later call.
func (f *CommitFuture) complete(result models.Result) bool {
	f.lock.Lock()
	if f.completed {
		f.lock.Unlock()
		return false
	}
	f.completed = true
	f.result = result
	callbacks := f.callbacks
	f.callbacks = nil
	f.lock.Unlock()

	defer f.future.Complete(result)
	for _, callback := range callbacks {
		callback(result)
	}
	return true
}

// onComplete registers a callback to run with the result. It runs immediately if the future is already completed.
func (f *CommitFuture) onComplete(callback func(models.Result)) {
	f.lock.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, callback)
		f.lock.Unlock()
		return
	}
	result := f.result
	f.lock.Unlock()
	callback(result)
}

// Get waits for the result. It only returns an error if the context is done first.
func (f *CommitFuture) Get(ctx context.Context) (models.Result, error) {
	result, err := f.future.Get(ctx)
	if err != nil && ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, err
}
