package common

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestEnvNodeConfig(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		for _, k := range []string{
			"COUNTERS_NATS_URL", "COUNTERS_NODE_ID", "COUNTERS_BUCKET_PREFIX", "COUNTERS_GLOBAL_STATE_DIR",
			"COUNTERS_LISTENER_CONCURRENCY", "COUNTERS_HEARTBEAT", "COUNTERS_CLUSTERED",
		} {
			t.Setenv(k, "")
		}
		cfg, err := NewEnvNodeConfig()
		require.NoError(t, err)
		assert.Equal(t, defaultNatsURL, cfg.NatsURL())
		assert.Equal(t, defaultBucketPrefix, cfg.BucketPrefix())
		assert.Equal(t, 1, cfg.ListenerConcurrency())
		assert.Equal(t, defaultHeartbeat, cfg.Heartbeat())
		assert.True(t, cfg.Clustered())
		assert.Empty(t, cfg.NodeID())

		cfg.SetNodeID("")
		assert.Empty(t, cfg.NodeID())
		cfg.SetNodeID("node-a")
		assert.Equal(t, "node-a", cfg.NodeID())
	})

	t.Run("FromEnvironment", func(t *testing.T) {
		t.Setenv("COUNTERS_NATS_URL", "nats://10.0.0.1:4222")
		t.Setenv("COUNTERS_NODE_ID", "node-b")
		t.Setenv("COUNTERS_GLOBAL_STATE_DIR", "/var/lib/counters")
		t.Setenv("COUNTERS_LISTENER_CONCURRENCY", "4")
		t.Setenv("COUNTERS_HEARTBEAT", "500ms")
		t.Setenv("COUNTERS_CLUSTERED", "FALSE")

		cfg, err := NewEnvNodeConfig()
		require.NoError(t, err)
		assert.Equal(t, "nats://10.0.0.1:4222", cfg.NatsURL())
		assert.Equal(t, "node-b", cfg.NodeID())
		assert.Equal(t, "/var/lib/counters", cfg.GlobalStateDir())
		assert.Equal(t, 4, cfg.ListenerConcurrency())
		assert.Equal(t, 500*time.Millisecond, cfg.Heartbeat())
		assert.False(t, cfg.Clustered())
	})

	t.Run("Invalid", func(t *testing.T) {
		t.Setenv("COUNTERS_LISTENER_CONCURRENCY", "0")
		_, err := NewEnvNodeConfig()
		assert.Error(t, err)

		t.Setenv("COUNTERS_LISTENER_CONCURRENCY", "")
		t.Setenv("COUNTERS_HEARTBEAT", "soon")
		_, err = NewEnvNodeConfig()
		assert.Error(t, err)
	})
}
