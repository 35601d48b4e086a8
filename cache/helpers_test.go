package cache

import (
	"context"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pnvasko/nats-jetstream-counters/common"
	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

type jsTestContext struct {
	ctx    context.Context
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	logger *common.Logger
}

// getJSHelpers connects to a local NATS server and skips the test when none
// is reachable. Buckets created under the returned prefix are removed on cleanup.
func getJSHelpers(t *testing.T) *jsTestContext {
	t.Helper()

	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(time.Second))
	if err != nil {
		t.Skipf("nats server is not available at %s: %v", nats.DefaultURL, err)
	}
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tc := &jsTestContext{
		ctx:    ctx,
		nc:     nc,
		js:     js,
		prefix: "test_" + xid.New().String(),
		logger: common.NewDebugLogger("test.cache.jetstream"),
	}
	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cleanupCancel()
		names := js.KeyValueStoreNames(cleanupCtx)
		for name := range names.Name() {
			if len(name) >= len(tc.prefix) && name[:len(tc.prefix)] == tc.prefix {
				_ = js.DeleteKeyValue(cleanupCtx, name)
			}
		}
		cancel()
		nc.Close()
	})
	return tc
}
