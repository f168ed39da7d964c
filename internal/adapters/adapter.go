package adapters

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoSubscription is returned by a push device that has no callback yet.
var ErrNoSubscription = errors.New("No subscriptions")

// Device is one emulated sensor: a network listener that collectors talk to
// plus the ingestion entry point the control plane calls.
type Device interface {
	Name() string
	Type() string
	// Ingest coerces raw, records the event and returns its id. Pull devices
	// ignore retries.
	Ingest(ctx context.Context, ts int64, raw string, retries int) (int64, error)
	// Serve runs the listener until ctx is done or the listener fails.
	Serve(ctx context.Context) error
	Close() error
}

type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// InitError reports a device that could not open its store or bind its
// listener at startup.
type InitError struct {
	Device string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("device %s init: %v", e.Device, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
