package counter

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted           = errors.New("counter manager is not started")
	ErrUndefinedCounter     = errors.New("counter is not defined")
	ErrWrongCounterType     = errors.New("wrong counter type")
	ErrInvalidConfiguration = errors.New("invalid counter configuration")
	// ErrAlreadyRegistered is raised as a panic: a second registration of the
	// same name means the one-instance-per-name rule is broken.
	ErrAlreadyRegistered    = errors.New("counter already registered")
	ErrCounterNotRegistered = errors.New("counter not registered")
	ErrCounterRemoved       = errors.New("counter instance was removed")

	ErrBoundReached      = errors.New("counter bound reached")
	ErrLowerBoundReached = fmt.Errorf("%w: lower bound", ErrBoundReached)
	ErrUpperBoundReached = fmt.Errorf("%w: upper bound", ErrBoundReached)
)

func undefinedCounter(name string) error {
	return fmt.Errorf("%w: '%s'", ErrUndefinedCounter, name)
}

func wrongCounterType(name, requested string, got Type) error {
	return fmt.Errorf("%w: '%s' is %s, requested a %s counter", ErrWrongCounterType, name, got, requested)
}

func invalidConfiguration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
