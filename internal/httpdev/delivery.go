package httpdev

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"sensor-emulator/internal/adapters"
	"sensor-emulator/internal/events"
	"sensor-emulator/internal/metrics"
)

var ErrNegativeRetries = errors.New("retries must not be negative")

type payload struct {
	ID    int64        `json:"id"`
	Time  int64        `json:"time"`
	Value events.Value `json:"value"`
}

// Ingest coerces raw, takes the next id from the device counter and
// delivers the event synchronously. A failed delivery still consumes the id.
func (d *Device) Ingest(ctx context.Context, ts int64, raw string, retries int) (int64, error) {
	if retries < 0 {
		return 0, ErrNegativeRetries
	}
	v, err := d.sensor.Coerce(raw)
	if err != nil {
		metrics.IngestErrors.WithLabelValues(d.name, "validation").Inc()
		return 0, err
	}
	if _, ok, err := d.store.Subscription(ctx); err != nil {
		metrics.IngestErrors.WithLabelValues(d.name, "store").Inc()
		return 0, err
	} else if !ok {
		d.log.Warn("no subscriptions")
		metrics.IngestErrors.WithLabelValues(d.name, "no_subscription").Inc()
		return 0, adapters.ErrNoSubscription
	}
	id, err := d.store.NextID(ctx)
	if err != nil {
		metrics.IngestErrors.WithLabelValues(d.name, "store").Inc()
		return 0, err
	}

	ev := events.Event{ID: id, Timestamp: ts, Raw: raw, Value: v}
	if err := d.Deliver(ctx, ev, retries); err != nil {
		metrics.IngestErrors.WithLabelValues(d.name, "delivery").Inc()
		return 0, err
	}
	metrics.EventsIngested.WithLabelValues(d.name).Inc()
	return id, nil
}

// Deliver POSTs ev to the subscribed callback. On failure it waits the retry
// delay and tries again, up to retries more times. Each attempt goes to the
// callback subscribed at that moment.
func (d *Device) Deliver(ctx context.Context, ev events.Event, retries int) error {
	if retries < 0 {
		return ErrNegativeRetries
	}
	body, err := json.Marshal(payload{ID: ev.ID, Time: ev.Timestamp, Value: ev.Value})
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.ID, err)
	}
	deliveryID := uuid.NewString()

	for attempt := 1; ; attempt++ {
		// a resubscribe during the retry delay redirects the remaining attempts
		callback, ok, err := d.store.Subscription(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return adapters.ErrNoSubscription
		}
		err = d.post(ctx, callback, deliveryID, body)
		if err == nil {
			metrics.WebhookAttempts.WithLabelValues(d.name, "ok").Inc()
			d.log.Info("sent event", "id", ev.ID, "callback", callback, "attempt", attempt)
			return nil
		}
		metrics.WebhookAttempts.WithLabelValues(d.name, "failed").Inc()
		d.log.Error("error sending event", "id", ev.ID, "callback", callback, "attempt", attempt, "error", err)

		if retries == 0 {
			return &adapters.DeliveryError{Attempts: attempt, Err: err}
		}
		d.log.Info("retrying", "in", d.opts.RetryDelay, "attempts_left", retries)
		select {
		case <-time.After(d.opts.RetryDelay):
		case <-ctx.Done():
			return &adapters.DeliveryError{Attempts: attempt, Err: errors.Join(err, ctx.Err())}
		}
		retries--
	}
}

func (d *Device) post(ctx context.Context, callback, deliveryID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callback, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
	return nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "... [truncated]"
}
