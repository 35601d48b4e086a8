package common

import (
	"context"
	"go.uber.org/atomic"
)

func zero[T any]() (_ T) { return }

// Future is the result of an asynchronous configuration or counter operation.
type Future[T any] struct {
	ctx   context.Context
	ch    chan struct{}
	value T
	err   error
	done  *atomic.Bool
}

func NewFuture[T any](ctx context.Context) *Future[T] {
	return &Future[T]{
		ctx:  ctx,
		ch:   make(chan struct{}),
		done: atomic.NewBool(false),
	}
}

// Go runs fn on its own goroutine and completes the future with its result.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	future := NewFuture[T](ctx)
	go func() {
		value, err := fn(ctx)
		if err != nil {
			future.SetError(err)
			return
		}
		future.SetValue(value)
	}()
	return future
}

// Completed returns an already resolved future.
func Completed[T any](ctx context.Context, value T, err error) *Future[T] {
	future := NewFuture[T](ctx)
	if err != nil {
		future.SetError(err)
	} else {
		future.SetValue(value)
	}
	return future
}

func (future *Future[T]) SetValue(value T) {
	if future.done.Swap(true) {
		return
	}
	future.value = value
	close(future.ch)
}

func (future *Future[T]) SetError(err error) {
	if future.done.Swap(true) {
		return
	}
	future.err = err
	close(future.ch)
}

// Await blocks until the future completes or ctx is done.
func (future *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		return zero[T](), ctx.Err()
	case <-future.ctx.Done():
		select {
		case <-future.ch:
			return future.value, future.err
		default:
		}
		return zero[T](), future.ctx.Err()
	case <-future.ch:
		return future.value, future.err
	}
}

// Done indicates if the operation has finished.
func (future *Future[T]) Done() bool {
	return future.done.Load()
}

// Inner is closed once the operation completes; usable in a select.
func (future *Future[T]) Inner() <-chan struct{} {
	return future.ch
}
