package common

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// TermSignal is returned by a Delay when no further retry is allowed.
const TermSignal = -1 * time.Nanosecond

var ErrRetriesExhausted = errors.New("retries exhausted")

type Delay interface {
	WaitTime(retryNum uint64) time.Duration
}

type StaticDelay struct {
	Delay time.Duration
}

func NewStaticDelay(delay time.Duration) StaticDelay {
	return StaticDelay{Delay: delay}
}

func (s StaticDelay) WaitTime(uint64) time.Duration {
	return s.Delay
}

var _ Delay = StaticDelay{}

type MaxRetryDelay struct {
	StaticDelay
	maxRetries uint64
}

func NewMaxRetryDelay(delay time.Duration, retryLimit uint64) MaxRetryDelay {
	return MaxRetryDelay{
		StaticDelay: NewStaticDelay(delay),
		maxRetries:  retryLimit,
	}
}

func (s MaxRetryDelay) WaitTime(retryNum uint64) time.Duration {
	if retryNum >= s.maxRetries {
		return TermSignal
	}
	return s.Delay
}

var _ Delay = MaxRetryDelay{}

// JitterDelay adds up to the wrapped wait again, so writers contending on one
// key spread out.
type JitterDelay struct {
	inner Delay
}

func NewJitterDelay(inner Delay) JitterDelay {
	return JitterDelay{inner: inner}
}

func (j JitterDelay) WaitTime(retryNum uint64) time.Duration {
	wait := j.inner.WaitTime(retryNum)
	if wait <= 0 {
		return wait
	}
	return wait + time.Duration(rand.Int64N(int64(wait)))
}

var _ Delay = JitterDelay{}

// WaitRetry sleeps the wait d gives for retryNum. It returns ErrRetriesExhausted
// on TermSignal and the context error when ctx ends first.
func WaitRetry(ctx context.Context, d Delay, retryNum uint64) error {
	wait := d.WaitTime(retryNum)
	if wait == TermSignal {
		return ErrRetriesExhausted
	}
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
