package events

import (
	"encoding/json"
	"fmt"
)

type Kind uint8

const (
	KindInt Kind = iota + 1
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "string":
		return KindString, nil
	}
	return 0, fmt.Errorf("unknown value kind %q", s)
}

// Value holds exactly one of an integer, a float or a string.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Str   string
}

func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func String(v string) Value { return Value{Kind: KindString, Str: v} }

func (v Value) Any() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	}
	return nil
}

func (v Value) String() string {
	return fmt.Sprintf("%v", v.Any())
}

// MarshalJSON renders the bare value, e.g. 42, 21.5 or "press".
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == 0 {
		return nil, fmt.Errorf("marshal value: empty kind")
	}
	return json.Marshal(v.Any())
}

type Event struct {
	ID        int64
	Timestamp int64
	Raw       string
	Value     Value
}
