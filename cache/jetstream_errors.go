package cache

import (
	"errors"
	"fmt"
	"github.com/nats-io/nats.go/jetstream"
)

func isJSAlreadyExistsError(err error) bool {
	var apiErr *jetstream.APIError

	ok := errors.As(err, &apiErr)
	if !ok {
		return false
	}
	return apiErr.ErrorCode == jetstream.JSErrCodeStreamNameInUse
}

func isJSWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError

	ok := errors.As(err, &apiErr)
	if !ok {
		return false
	}
	return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// translateKVError maps JetStream KV failures onto the cache error set.
func translateKVError(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return ErrKeyNotFound
	case errors.Is(err, jetstream.ErrKeyExists), isJSWrongLastSequence(err):
		return ErrConflict
	default:
		return fmt.Errorf("kv %s '%s': %w", op, key, err)
	}
}
