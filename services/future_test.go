package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceramicnetwork/go-notary/models"
)

func TestFutureCompletesOnce(t *testing.T) {
	future := newCommitFuture()
	var numCompleted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result := models.Success()
			if i%2 == 1 {
				result = models.TransientUnavailableResult(errors.New("store down"))
			}
			if future.complete(result) {
				numCompleted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), numCompleted.Load())

	first, err := future.Get(context.Background())
	require.NoError(t, err)
	second, err := future.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFutureGetWaitsForResult(t *testing.T) {
	future := newCommitFuture()
	go func() {
		time.Sleep(20 * time.Millisecond)
		future.complete(models.Success())
	}()
	result, err := future.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())
}

func TestFutureGetHonoursContext(t *testing.T) {
	future := newCommitFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := future.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureCallbacks(t *testing.T) {
	future := newCommitFuture()
	var before, after models.ResultKind
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	future.onComplete(func(result models.Result) {
		before = result.Kind
		_, err := future.Get(cancelled)
		assert.ErrorIs(t, err, context.Canceled, "waiters released before callbacks ran")
	})
	future.complete(models.TransientUnavailableResult(errors.New("store down")))
	future.onComplete(func(result models.Result) { after = result.Kind })

	assert.Equal(t, models.ResultKind_TransientUnavailable, before)
	assert.Equal(t, models.ResultKind_TransientUnavailable, after)
}

func TestCompletedFuture(t *testing.T) {
	future := completedFuture(models.Success())
	assert.False(t, future.complete(models.TransientUnavailableResult(errors.New("store down"))))
	result := resolvedResult(t, future)
	assert.True(t, result.IsSuccess())
}

// resolvedResult fails the test unless the future has already been completed.
func resolvedResult(t *testing.T, future models.ResultFuture) models.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	result, err := future.Get(ctx)
	require.NoError(t, err, "future should already be completed")
	return result
}
