package consensus

import (
	"sync"
	"testing"
	"time"
)

func TestCallbackDispatchPoolSubmitRunsTask(t *testing.T) {
	pool := NewCallbackDispatchPool(1, 4)
	defer pool.Close()

	done := make(chan struct{})
	pool.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task was never run")
	}
}

// TestCallbackDispatchPoolSubmitNeverBlocksWhenQueueIsFull holds every
// worker busy and fills the queue to capacity, then asserts Submit still
// returns immediately instead of blocking on the full channel — the
// caller is almost always holding update_lock when it calls Submit.
func TestCallbackDispatchPoolSubmitNeverBlocksWhenQueueIsFull(t *testing.T) {
	pool := NewCallbackDispatchPool(1, 1)
	defer pool.Close()

	blockWorker := make(chan struct{})
	releaseWorker := make(chan struct{})
	pool.Submit(func() {
		close(blockWorker)
		<-releaseWorker
	})
	<-blockWorker

	// The single worker is now stuck in the callback above; this next
	// Submit fills the queue of depth 1.
	var filled sync.WaitGroup
	filled.Add(1)
	pool.Submit(func() { filled.Done() })

	// The queue is now full and the worker is still blocked. A third
	// Submit must not block the calling goroutine.
	submitReturned := make(chan struct{})
	go func() {
		pool.Submit(func() {})
		close(submitReturned)
	}()

	select {
	case <-submitReturned:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue instead of spilling over to its own goroutine")
	}

	close(releaseWorker)
	filled.Wait()
}
