package counter

import (
	"context"
	"fmt"
	"github.com/pnvasko/nats-jetstream-counters/cache"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"time"
)

type retryPolicy struct {
	wait        time.Duration
	maxAttempts int
}

func (p retryPolicy) delay() common.Delay {
	return common.NewJitterDelay(common.NewMaxRetryDelay(p.wait, uint64(p.maxAttempts)))
}

// pause waits before the next attempt after attempt failed on a conflict.
// It returns common.ErrRetriesExhausted once maxAttempts were made.
func (p retryPolicy) pause(ctx context.Context, attempt int) error {
	return common.WaitRetry(ctx, p.delay(), uint64(attempt))
}

// counterBase is what strong and weak counters share: identity, the backing
// cache and the link to the notification manager.
type counterBase struct {
	name    string
	config  Configuration
	cache   cache.Cache
	nm      *NotificationManager
	retry   retryPolicy
	removed atomic.Bool
	// remove is the manager removal path, so a counter removing itself also
	// drops the manager's instance.
	remove func(ctx context.Context) error

	tracer trace.Tracer
	logger *common.Logger
}

func (b *counterBase) Name() string {
	return b.name
}

func (b *counterBase) Configuration() Configuration {
	return b.config
}

func (b *counterBase) checkAlive() error {
	if b.removed.Load() {
		return fmt.Errorf("%w: '%s'", ErrCounterRemoved, b.name)
	}
	return nil
}

// AddListener subscribes listener to this counter's events.
func (b *counterBase) AddListener(ctx context.Context, listener Listener) (*Handle, error) {
	if err := b.checkAlive(); err != nil {
		return nil, err
	}
	return b.nm.RegisterUserListener(ctx, b.name, listener)
}

func (b *counterBase) destroy() {
	b.removed.Store(true)
	b.nm.RemoveCounter(b.name)
}

func (b *counterBase) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, fmt.Sprintf("counter.%s", op),
		trace.WithAttributes(attribute.String("counter", b.name), attribute.String("type", b.config.Type.String())))
}

func (b *counterBase) counterAttr() attribute.KeyValue {
	return attribute.String("counter", b.name)
}
