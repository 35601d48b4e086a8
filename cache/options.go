package cache

import (
	"fmt"
	"github.com/nats-io/nats.go/jetstream"
	"time"
)

type Option[T any] func(T) error

func WithNodeID[T interface{ setNodeID(string) }](id string) Option[T] {
	return func(s T) error {
		if id == "" {
			return fmt.Errorf("node id cannot be empty")
		}
		s.setNodeID(id)
		return nil
	}
}

func WithClustered[T interface{ setClustered(bool) }](clustered bool) Option[T] {
	return func(s T) error {
		s.setClustered(clustered)
		return nil
	}
}

func WithBucketPrefix[T interface{ setBucketPrefix(string) }](prefix string) Option[T] {
	return func(s T) error {
		if prefix == "" {
			return fmt.Errorf("bucket prefix cannot be empty")
		}
		s.setBucketPrefix(prefix)
		return nil
	}
}

func WithStorage[T interface {
	setStorage(jetstream.StorageType)
}](storage jetstream.StorageType) Option[T] {
	return func(s T) error {
		s.setStorage(storage)
		return nil
	}
}

func WithReplicas[T interface{ setReplicas(int) }](n int) Option[T] {
	return func(s T) error {
		if n < 1 {
			return fmt.Errorf("replicas must be at least 1, got %d", n)
		}
		s.setReplicas(n)
		return nil
	}
}

func WithHeartbeat[T interface{ setHeartbeat(time.Duration) }](d time.Duration) Option[T] {
	return func(s T) error {
		if d <= 100*time.Millisecond {
			return fmt.Errorf("heartbeat must be larger than 100ms")
		}
		s.setHeartbeat(d)
		return nil
	}
}

func WithDeliveryConcurrency[T interface{ setDeliveryConcurrency(int) }](n int) Option[T] {
	return func(s T) error {
		if n < 1 {
			return fmt.Errorf("delivery concurrency must be at least 1, got %d", n)
		}
		s.setDeliveryConcurrency(n)
		return nil
	}
}
