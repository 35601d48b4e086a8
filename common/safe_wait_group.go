package common

import (
	"context"
	"sync"
	"sync/atomic"
)

// SafeWaitGroup tolerates extra Done calls and can be awaited with a deadline.
type SafeWaitGroup struct {
	sync.WaitGroup
	count int32
}

func (wg *SafeWaitGroup) Add(delta int) {
	atomic.AddInt32(&wg.count, int32(delta))
	wg.WaitGroup.Add(delta)
}

func (wg *SafeWaitGroup) Done() {
	if atomic.AddInt32(&wg.count, -1) >= 0 {
		wg.WaitGroup.Done()
	}
}

// Pending is the number of outstanding Add calls.
func (wg *SafeWaitGroup) Pending() int {
	n := atomic.LoadInt32(&wg.count)
	if n < 0 {
		return 0
	}
	return int(n)
}

// WaitContext waits for the group or returns ctx.Err() first.
func (wg *SafeWaitGroup) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
