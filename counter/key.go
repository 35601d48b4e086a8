package counter

import (
	"encoding/base64"
	"strconv"
	"strings"
)

const (
	strongKeyPrefix = "s"
	weakKeyPrefix   = "w"
)

// Key addresses one stored counter entry. Names are base64url encoded so
// every counter name maps to a valid KV key.
type Key struct {
	Name  string
	Weak  bool
	Index int
}

func StrongKey(name string) Key {
	return Key{Name: name}
}

func WeakKey(name string, index int) Key {
	return Key{Name: name, Weak: true, Index: index}
}

func (k Key) String() string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(k.Name))
	if !k.Weak {
		return strongKeyPrefix + "." + encoded
	}
	return weakKeyPrefix + "." + encoded + "." + strconv.Itoa(k.Index)
}

// ParseKey reverses Key.String; ok is false for keys that are not counter keys.
func ParseKey(s string) (Key, bool) {
	parts := strings.Split(s, ".")
	switch {
	case len(parts) == 2 && parts[0] == strongKeyPrefix:
		name, ok := decodeName(parts[1])
		if !ok {
			return Key{}, false
		}
		return StrongKey(name), true
	case len(parts) == 3 && parts[0] == weakKeyPrefix:
		name, ok := decodeName(parts[1])
		if !ok {
			return Key{}, false
		}
		index, err := strconv.Atoi(parts[2])
		if err != nil || index < 0 {
			return Key{}, false
		}
		return WeakKey(name, index), true
	default:
		return Key{}, false
	}
}

func decodeName(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// encodeName is the key form of a bare counter name, used by the configuration cache.
func encodeName(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}
