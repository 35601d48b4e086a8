package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type OtlpConfig interface {
	Debug() bool
	Environment() string
	Dsn() string
	ServiceName() string
	Version() string
	Key() string
}

type DevOtlpConfig struct {
	debug       bool
	dsn         string
	serviceName string
	environment string
	version     string
	key         string
}

func NewDevOtlpConfig() (*DevOtlpConfig, error) {
	cfg := &DevOtlpConfig{}
	cfg.debug = strings.ToLower(os.Getenv("DEBUG")) == "true"

	cfg.dsn = os.Getenv("DSN")
	if cfg.dsn == "" {
		return nil, fmt.Errorf("DSN is required")
	}

	cfg.serviceName = os.Getenv("SERVICE_NAME")
	if cfg.serviceName == "" {
		return nil, fmt.Errorf("SERVICE_NAME is required")
	}

	cfg.environment = os.Getenv("ENVIRONMENT")
	if cfg.environment == "" {
		return nil, fmt.Errorf("ENVIRONMENT is required")
	}

	cfg.version = os.Getenv("VERSION")
	if cfg.version == "" {
		return nil, fmt.Errorf("VERSION is required")
	}

	cfg.key = os.Getenv("KEY")
	if cfg.key == "" {
		return nil, fmt.Errorf("KEY is required")
	}
	return cfg, nil
}

func (d *DevOtlpConfig) Debug() bool {
	return d.debug
}

func (d *DevOtlpConfig) Environment() string {
	return d.environment
}

func (d *DevOtlpConfig) Dsn() string {
	return d.dsn
}

func (d *DevOtlpConfig) ServiceName() string {
	return d.serviceName
}

func (d *DevOtlpConfig) Version() string {
	return d.version
}

func (d *DevOtlpConfig) Key() string {
	return d.key
}

var _ OtlpConfig = (*DevOtlpConfig)(nil)

// NodeConfig describes one counter node: where the cluster KV lives and how
// this node takes part in it.
type NodeConfig interface {
	NatsURL() string
	NodeID() string
	BucketPrefix() string
	GlobalStateDir() string
	ListenerConcurrency() int
	Heartbeat() time.Duration
	Clustered() bool
}

const (
	defaultNatsURL             = "nats://127.0.0.1:4222"
	defaultBucketPrefix        = "counters"
	defaultListenerConcurrency = 1
	defaultHeartbeat           = 2 * time.Second
)

type EnvNodeConfig struct {
	natsURL             string
	nodeID              string
	bucketPrefix        string
	globalStateDir      string
	listenerConcurrency int
	heartbeat           time.Duration
	clustered           bool
}

// NewEnvNodeConfig reads COUNTERS_* variables; every value has a default.
func NewEnvNodeConfig() (*EnvNodeConfig, error) {
	cfg := &EnvNodeConfig{
		natsURL:             defaultNatsURL,
		bucketPrefix:        defaultBucketPrefix,
		listenerConcurrency: defaultListenerConcurrency,
		heartbeat:           defaultHeartbeat,
		clustered:           true,
	}

	if v := os.Getenv("COUNTERS_NATS_URL"); v != "" {
		cfg.natsURL = v
	}
	cfg.nodeID = os.Getenv("COUNTERS_NODE_ID")
	if v := os.Getenv("COUNTERS_BUCKET_PREFIX"); v != "" {
		cfg.bucketPrefix = v
	}
	cfg.globalStateDir = os.Getenv("COUNTERS_GLOBAL_STATE_DIR")

	if v := os.Getenv("COUNTERS_LISTENER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("COUNTERS_LISTENER_CONCURRENCY must be a positive integer, got %q", v)
		}
		cfg.listenerConcurrency = n
	}

	if v := os.Getenv("COUNTERS_HEARTBEAT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("COUNTERS_HEARTBEAT must be a positive duration, got %q", v)
		}
		cfg.heartbeat = d
	}

	if v := strings.ToLower(os.Getenv("COUNTERS_CLUSTERED")); v == "false" {
		cfg.clustered = false
	}
	return cfg, nil
}

func (c *EnvNodeConfig) NatsURL() string {
	return c.natsURL
}

func (c *EnvNodeConfig) NodeID() string {
	return c.nodeID
}

func (c *EnvNodeConfig) BucketPrefix() string {
	return c.bucketPrefix
}

func (c *EnvNodeConfig) GlobalStateDir() string {
	return c.globalStateDir
}

func (c *EnvNodeConfig) ListenerConcurrency() int {
	return c.listenerConcurrency
}

func (c *EnvNodeConfig) Heartbeat() time.Duration {
	return c.heartbeat
}

func (c *EnvNodeConfig) Clustered() bool {
	return c.clustered
}

func (c *EnvNodeConfig) SetNatsURL(v string) {
	if v != "" {
		c.natsURL = v
	}
}

func (c *EnvNodeConfig) SetNodeID(v string) {
	if v != "" {
		c.nodeID = v
	}
}

func (c *EnvNodeConfig) SetGlobalStateDir(v string) {
	if v != "" {
		c.globalStateDir = v
	}
}

var _ NodeConfig = (*EnvNodeConfig)(nil)
