package counter

import (
	"math"
	"strconv"
)

const DefaultConcurrencyLevel = 16

type Type int8

const (
	StrongUnbounded Type = iota + 1
	StrongBounded
	Weak
)

func (t Type) String() string {
	switch t {
	case StrongUnbounded:
		return "unbounded-strong"
	case StrongBounded:
		return "bounded-strong"
	case Weak:
		return "weak"
	default:
		return "unknown"
	}
}

func (t Type) IsStrong() bool {
	return t == StrongUnbounded || t == StrongBounded
}

// ParseType accepts the names produced by Type.String.
func ParseType(s string) (Type, error) {
	for _, t := range []Type{StrongUnbounded, StrongBounded, Weak} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, invalidConfiguration("unknown counter type '%s'", s)
}

type Storage int8

const (
	Volatile Storage = iota + 1
	Persisted
)

func (s Storage) String() string {
	switch s {
	case Volatile:
		return "volatile"
	case Persisted:
		return "persisted"
	default:
		return "unknown"
	}
}

func ParseStorage(s string) (Storage, error) {
	for _, st := range []Storage{Volatile, Persisted} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, invalidConfiguration("unknown storage '%s'", s)
}

// Configuration is an immutable counter definition. Fields that do not apply
// to Type are normalized away by NewConfiguration so that Equal compares only
// what matters.
type Configuration struct {
	Type             Type    `msgpack:"type"`
	Storage          Storage `msgpack:"storage"`
	InitialValue     int64   `msgpack:"initial"`
	LowerBound       int64   `msgpack:"lower,omitempty"`
	UpperBound       int64   `msgpack:"upper,omitempty"`
	ConcurrencyLevel int     `msgpack:"concurrency,omitempty"`
}

type ConfigurationOption func(*Configuration)

func WithInitialValue(v int64) ConfigurationOption {
	return func(c *Configuration) {
		c.InitialValue = v
	}
}

func WithLowerBound(v int64) ConfigurationOption {
	return func(c *Configuration) {
		c.LowerBound = v
	}
}

func WithUpperBound(v int64) ConfigurationOption {
	return func(c *Configuration) {
		c.UpperBound = v
	}
}

func WithConcurrencyLevel(n int) ConfigurationOption {
	return func(c *Configuration) {
		c.ConcurrencyLevel = n
	}
}

func WithCounterStorage(s Storage) ConfigurationOption {
	return func(c *Configuration) {
		c.Storage = s
	}
}

func NewConfiguration(t Type, opts ...ConfigurationOption) Configuration {
	cfg := Configuration{
		Type:             t,
		Storage:          Volatile,
		LowerBound:       math.MinInt64,
		UpperBound:       math.MaxInt64,
		ConcurrencyLevel: DefaultConcurrencyLevel,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.normalize()
}

func (c Configuration) normalize() Configuration {
	if c.Type != StrongBounded {
		c.LowerBound, c.UpperBound = 0, 0
	}
	if c.Type != Weak {
		c.ConcurrencyLevel = 0
	}
	return c
}

func (c Configuration) Validate() error {
	switch c.Type {
	case StrongUnbounded, Weak:
	case StrongBounded:
		if c.LowerBound > c.UpperBound {
			return invalidConfiguration("lower bound %d is greater than upper bound %d", c.LowerBound, c.UpperBound)
		}
		if c.InitialValue < c.LowerBound || c.InitialValue > c.UpperBound {
			return invalidConfiguration("initial value %d is outside [%d, %d]", c.InitialValue, c.LowerBound, c.UpperBound)
		}
	default:
		return invalidConfiguration("unknown counter type %d", c.Type)
	}
	if c.Storage != Volatile && c.Storage != Persisted {
		return invalidConfiguration("unknown storage %d", c.Storage)
	}
	if c.Type == Weak && c.ConcurrencyLevel < 1 {
		return invalidConfiguration("concurrency level must be at least 1, got %d", c.ConcurrencyLevel)
	}
	return nil
}

func (c Configuration) Equal(other Configuration) bool {
	return c.normalize() == other.normalize()
}

// Properties renders the configuration as flat string properties.
func (c Configuration) Properties() map[string]string {
	props := map[string]string{
		"type":          c.Type.String(),
		"storage":       c.Storage.String(),
		"initial-value": strconv.FormatInt(c.InitialValue, 10),
	}
	switch c.Type {
	case StrongBounded:
		props["lower-bound"] = strconv.FormatInt(c.LowerBound, 10)
		props["upper-bound"] = strconv.FormatInt(c.UpperBound, 10)
	case Weak:
		props["concurrency-level"] = strconv.Itoa(c.ConcurrencyLevel)
	}
	return props
}
