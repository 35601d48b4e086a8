package common

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"testing"
	"time"
)

func TestRunGroup(t *testing.T) {
	t.Run("FirstExitInterruptsAll", func(t *testing.T) {
		rg, err := NewRunGroup(WithSystemInterrupt(false), WithRunGroupLogger(NewDebugLogger("test")))
		require.NoError(t, err)

		boom := errors.New("boom")
		stop := make(chan struct{})
		interrupted := atomic.NewInt32(0)

		require.NoError(t, rg.Add("failing", func() error {
			return boom
		}, func(error) {
			interrupted.Inc()
		}))
		require.NoError(t, rg.Add("blocking", func() error {
			<-stop
			return nil
		}, func(error) {
			interrupted.Inc()
			close(stop)
		}))

		err = rg.Run(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(2), interrupted.Load())
	})

	t.Run("ContextCancel", func(t *testing.T) {
		rg, err := NewRunGroup(WithSystemInterrupt(false))
		require.NoError(t, err)

		stop := make(chan struct{})
		require.NoError(t, rg.Add("blocking", func() error {
			<-stop
			return context.Canceled
		}, func(error) {
			close(stop)
		}))

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)
		assert.NoError(t, rg.Run(ctx))
	})

	t.Run("StopTimeout", func(t *testing.T) {
		rg, err := NewRunGroup(WithSystemInterrupt(false), WithStopTimeout(20*time.Millisecond))
		require.NoError(t, err)

		stop := make(chan struct{})
		require.NoError(t, rg.Add("done", func() error { return nil }, func(error) {}))
		require.NoError(t, rg.Add("slow", func() error {
			<-stop
			return nil
		}, func(error) {
			time.Sleep(200 * time.Millisecond)
			close(stop)
		}))
		assert.ErrorIs(t, rg.Run(context.Background()), context.DeadlineExceeded)
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		_, err := NewRunGroup(WithStopTimeout(0))
		assert.Error(t, err)
	})
}
