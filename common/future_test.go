package common

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestFuture(t *testing.T) {
	t.Run("Go", func(t *testing.T) {
		f := Go(context.Background(), func(ctx context.Context) (int, error) {
			return 42, nil
		})
		v, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.True(t, f.Done())
	})

	t.Run("GoError", func(t *testing.T) {
		boom := errors.New("boom")
		f := Go(context.Background(), func(ctx context.Context) (string, error) {
			return "ignored", boom
		})
		v, err := f.Await(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, v)
	})

	t.Run("FirstCompletionWins", func(t *testing.T) {
		f := NewFuture[int](context.Background())
		f.SetValue(1)
		f.SetError(errors.New("late"))
		f.SetValue(2)
		v, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})

	t.Run("Completed", func(t *testing.T) {
		f := Completed(context.Background(), true, nil)
		select {
		case <-f.Inner():
		default:
			t.Fatal("completed future must be resolved")
		}
		v, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.True(t, v)
	})

	t.Run("AwaitDeadline", func(t *testing.T) {
		f := NewFuture[int](context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := f.Await(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, f.Done())
	})

	t.Run("OwnerContextCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		f := NewFuture[int](ctx)
		cancel()
		_, err := f.Await(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestErrors(t *testing.T) {
	var errs Errors
	assert.NoError(t, errs.Err())

	first := errors.New("first")
	errs.Add(nil)
	errs.Add(first)
	assert.ErrorIs(t, errs.Err(), first)

	errs.Add(errors.New("second"))
	assert.EqualError(t, errs.Err(), "first\nsecond")
}
