// Package sensors holds the per-type value rules of the emulated devices.
package sensors

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"sensor-emulator/internal/events"
)

// Transport tells how a device hands its events to a collector.
type Transport string

const (
	Push Transport = "push"
	Pull Transport = "pull"
)

type CoerceFunc func(raw string) (events.Value, error)

type Sensor struct {
	Type      string
	Transport Transport
	Kind      events.Kind
	Coerce    CoerceFunc
}

// ValidationError reports a raw value outside the domain of a sensor type.
type ValidationError struct {
	Sensor string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

var table = map[string]Sensor{
	"mass":        {Type: "mass", Transport: Push, Kind: events.KindFloat, Coerce: coerceMass},
	"end":         {Type: "end", Transport: Push, Kind: events.KindString, Coerce: coerceEnd},
	"temperature": {Type: "temperature", Transport: Pull, Kind: events.KindFloat, Coerce: coerceTemperature},
	"keyboard":    {Type: "keyboard", Transport: Pull, Kind: events.KindString, Coerce: coerceKeyboard},
	"counter":     {Type: "counter", Transport: Pull, Kind: events.KindInt, Coerce: coerceCounter},
}

func Lookup(typ string) (Sensor, error) {
	s, ok := table[typ]
	if !ok {
		return Sensor{}, fmt.Errorf("unknown device type %s", typ)
	}
	return s, nil
}

func Types() []string {
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func invalid(sensor, raw, format string, args ...any) error {
	return &ValidationError{Sensor: sensor, Value: raw, Reason: fmt.Sprintf(format, args...)}
}

func coerceMass(raw string) (events.Value, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return events.Value{}, invalid("mass", raw, "could not convert %q to float", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return events.Value{}, invalid("mass", raw, "must be a finite number, got %q", raw)
	}
	return events.Float(v), nil
}

func coerceEnd(raw string) (events.Value, error) {
	if raw != "press" && raw != "release" {
		return events.Value{}, invalid("end", raw, `need to be "press" or "release", got %q`, raw)
	}
	return events.String(raw), nil
}

// coerceTemperature takes tenths of a degree.
func coerceTemperature(raw string) (events.Value, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return events.Value{}, invalid("temperature", raw, "invalid literal for int: %q", raw)
	}
	if v < -500 || v > 500 {
		return events.Value{}, invalid("temperature", raw, "must be between -500 and 500")
	}
	return events.Float(float64(v) / 10), nil
}

func coerceKeyboard(raw string) (events.Value, error) {
	return events.String(raw), nil
}

func coerceCounter(raw string) (events.Value, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return events.Value{}, invalid("counter", raw, "invalid literal for int: %q", raw)
	}
	if v < 0 {
		return events.Value{}, invalid("counter", raw, "must not be negative")
	}
	return events.Int(v), nil
}
