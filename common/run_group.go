package common

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"os"
	"os/signal"
	"sync"
	"time"
)

type actor struct {
	name      string
	execute   func() error
	interrupt func(error)
}

type RunGroupOption func(*RunGroup) error

func WithSystemInterrupt(ok bool) RunGroupOption {
	return func(rg *RunGroup) error {
		rg.systemInterrupt = ok
		return nil
	}
}

func WithStopTimeout(td time.Duration) RunGroupOption {
	return func(rg *RunGroup) error {
		if td <= 0 {
			return fmt.Errorf("stop timeout must be positive")
		}
		rg.stopTimeout = td
		return nil
	}
}

func WithRunGroupLogger(logger *Logger) RunGroupOption {
	return func(rg *RunGroup) error {
		rg.logger = logger
		return nil
	}
}

// RunGroup runs node actors (counter manager, membership, cli loops) until the
// first one exits or a termination signal arrives, then interrupts all of them.
type RunGroup struct {
	ctx             context.Context
	cancel          context.CancelFunc
	mu              sync.Mutex
	actors          []actor
	systemInterrupt bool
	stopTimeout     time.Duration
	started         bool
	logger          *Logger
}

const (
	defaultSystemInterrupt = true
	defaultStopTimeout     = 10 * time.Second
)

func NewRunGroup(opts ...RunGroupOption) (*RunGroup, error) {
	rg := &RunGroup{
		systemInterrupt: defaultSystemInterrupt,
		stopTimeout:     defaultStopTimeout,
	}

	for _, opt := range opts {
		if err := opt(rg); err != nil {
			return nil, err
		}
	}
	return rg, nil
}

func (g *RunGroup) Add(name string, execute func() error, interrupt func(error)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return fmt.Errorf("cannot add actor %q after Run has started", name)
	}
	g.actors = append(g.actors, actor{name, execute, interrupt})
	return nil
}

func (g *RunGroup) Run(baseCtx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("run group already running")
	}
	g.started = true
	g.ctx, g.cancel = context.WithCancel(baseCtx)
	actors := append([]actor(nil), g.actors...)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.started = false
		g.mu.Unlock()
		g.cancel()
	}()

	if len(actors) == 0 {
		return nil
	}

	if g.systemInterrupt {
		g.watchSignals()
	}

	type exit struct {
		name string
		err  error
	}
	exits := make(chan exit, len(actors))
	for _, a := range actors {
		go func(a actor) {
			exits <- exit{name: a.name, err: a.execute()}
		}(a)
	}

	var err error
	select {
	case e := <-exits:
		if e.err != nil && !errors.Is(e.err, context.Canceled) {
			err = fmt.Errorf("actor %s: %w", e.name, e.err)
		}
		g.log(baseCtx, "actor exited", zap.String("actor", e.name), zap.Error(e.err))
	case <-g.ctx.Done():
		if !errors.Is(g.ctx.Err(), context.Canceled) {
			err = g.ctx.Err()
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), g.stopTimeout)
	defer stopCancel()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a actor) {
			defer wg.Done()
			a.interrupt(err)
		}(a)
	}
	if waitErr := waitGroupContext(stopCtx, &wg); waitErr != nil {
		return waitErr
	}
	return err
}

func (g *RunGroup) log(ctx context.Context, msg string, fields ...zap.Field) {
	if g.logger == nil {
		return
	}
	g.logger.Ctx(ctx).Info(msg, fields...)
}

func (g *RunGroup) watchSignals() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "panic in signal handler: %v\n", r)
			}
		}()

		term := make(chan os.Signal, 32)
		signal.Notify(term, os.Interrupt, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)
		defer signal.Stop(term)

		select {
		case sig := <-term:
			g.log(g.ctx, "termination signal received", zap.String("signal", sig.String()))
			g.cancel()
		case <-g.ctx.Done():
		}
	}()
}

func waitGroupContext(ctx context.Context, wg *sync.WaitGroup) error {
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
