package counter

import (
	"fmt"
	"time"
)

const (
	defaultRetryWait           = 2 * time.Millisecond
	defaultMaxRetryAttempts    = 100
	defaultListenerConcurrency = 1
)

type Option[T any] func(T) error

// WithGlobalStateDir keeps persisted counter definitions in dir across restarts.
func WithGlobalStateDir[T interface{ setGlobalStateDir(string) }](dir string) Option[T] {
	return func(s T) error {
		if dir == "" {
			return fmt.Errorf("global state dir cannot be empty")
		}
		s.setGlobalStateDir(dir)
		return nil
	}
}

func WithConfigurationStorage[T interface {
	setConfigurationStorage(ConfigurationStorage)
}](storage ConfigurationStorage) Option[T] {
	return func(s T) error {
		if storage == nil {
			return fmt.Errorf("configuration storage cannot be nil")
		}
		s.setConfigurationStorage(storage)
		return nil
	}
}

// WithListenerConcurrency widens listener dispatch. Events of one counter
// stay ordered at any width; 1 also orders events across counters.
func WithListenerConcurrency[T interface{ setListenerConcurrency(int) }](n int) Option[T] {
	return func(s T) error {
		if n < 1 {
			return fmt.Errorf("listener concurrency must be at least 1, got %d", n)
		}
		s.setListenerConcurrency(n)
		return nil
	}
}

func WithRetryWait[T interface{ setRetryWait(time.Duration) }](d time.Duration) Option[T] {
	return func(s T) error {
		if d < 0 {
			return fmt.Errorf("retry wait cannot be negative")
		}
		s.setRetryWait(d)
		return nil
	}
}

func WithMaxRetryAttempts[T interface{ setMaxRetryAttempts(int) }](n int) Option[T] {
	return func(s T) error {
		if n < 1 {
			return fmt.Errorf("max retry attempts must be at least 1, got %d", n)
		}
		s.setMaxRetryAttempts(n)
		return nil
	}
}
