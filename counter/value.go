package counter

import (
	"fmt"
	"google.golang.org/protobuf/encoding/protowire"
)

type State int8

const (
	Valid State = iota
	LowerBoundReached
	UpperBoundReached
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case LowerBoundReached:
		return "lower-bound-reached"
	case UpperBoundReached:
		return "upper-bound-reached"
	default:
		return "unknown"
	}
}

// Value is the stored state of a strong counter or of one weak partial.
type Value struct {
	Value int64
	State State
}

const (
	valueFieldNumber protowire.Number = 1
	stateFieldNumber protowire.Number = 2
)

// Marshal encodes v as a protobuf message {sint64 value = 1; int32 state = 2}.
func (v Value) Marshal() []byte {
	b := make([]byte, 0, 16)
	// The value field is always present so a stored entry is never empty.
	b = protowire.AppendTag(b, valueFieldNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.Value))
	if v.State != Valid {
		b = protowire.AppendTag(b, stateFieldNumber, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v.State))
	}
	return b
}

func UnmarshalValue(b []byte) (Value, error) {
	var v Value
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Value{}, fmt.Errorf("decode counter value tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == valueFieldNumber && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Value{}, fmt.Errorf("decode counter value: %w", protowire.ParseError(n))
			}
			v.Value = protowire.DecodeZigZag(x)
			b = b[n:]
		case num == stateFieldNumber && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Value{}, fmt.Errorf("decode counter state: %w", protowire.ParseError(n))
			}
			if x > uint64(UpperBoundReached) {
				return Value{}, fmt.Errorf("decode counter state: unknown state %d", x)
			}
			v.State = State(x)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Value{}, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return v, nil
}
