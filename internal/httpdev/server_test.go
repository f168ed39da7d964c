package httpdev

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensor-emulator/internal/adapters"
	"sensor-emulator/internal/sensors"
	"sensor-emulator/internal/store"
)

func newTestDevice(t *testing.T, typ string) *Device {
	t.Helper()
	sensor, err := sensors.Lookup(typ)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "device_"+typ+".db"))
	require.NoError(t, err)
	d, err := New(typ+"-1", sensor, st, "127.0.0.1:0", Options{RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

type receivedEvent struct {
	ID    int64   `json:"id"`
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

// collector records every POST it gets and answers with status.
type collector struct {
	mu          sync.Mutex
	status      int
	bodies      [][]byte
	deliveryIDs []string
	srv         *httptest.Server
}

func newCollector(t *testing.T, status int) *collector {
	c := &collector{status: status}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.deliveryIDs = append(c.deliveryIDs, r.Header.Get("X-Delivery-ID"))
		c.mu.Unlock()
		w.WriteHeader(c.status)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collector) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func subscribe(t *testing.T, d *Device, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/subscribe"+query, nil)
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, req)
	return rec
}

func Test_HandleSubscribe(t *testing.T) {
	cases := []struct {
		name         string
		query        string
		expectedCode int
		expectedBody string
	}{
		{name: "missing callback", query: "", expectedCode: http.StatusBadRequest, expectedBody: "Missing callback param\n"},
		{name: "not a url", query: "?callback=not-a-url", expectedCode: http.StatusBadRequest, expectedBody: "Wrong callback format: No scheme\n"},
		{name: "no host", query: "?callback=" + url.QueryEscape("mailto:ops"), expectedCode: http.StatusBadRequest, expectedBody: "Wrong callback format: No host\n"},
		{name: "valid", query: "?callback=" + url.QueryEscape("http://127.0.0.1:9/hook"), expectedCode: http.StatusOK, expectedBody: "OK"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t, "mass")
			rec := subscribe(t, d, tt.query)
			assert.Equal(t, tt.expectedCode, rec.Code)
			assert.Equal(t, tt.expectedBody, rec.Body.String())

			cb, ok, err := d.store.Subscription(context.Background())
			require.NoError(t, err)
			if tt.expectedCode == http.StatusOK {
				assert.True(t, ok)
				assert.Equal(t, "http://127.0.0.1:9/hook", cb)
			} else {
				assert.False(t, ok)
			}
		})
	}
}

func TestRejectedSubscribeKeepsPreviousCallback(t *testing.T) {
	d := newTestDevice(t, "mass")
	require.Equal(t, http.StatusOK, subscribe(t, d, "?callback="+url.QueryEscape("http://first.example/hook")).Code)
	require.Equal(t, http.StatusBadRequest, subscribe(t, d, "?callback=not-a-url").Code)

	cb, ok, err := d.store.Subscription(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "http://first.example/hook", cb)
}

func TestLatestSubscriptionReceivesEvents(t *testing.T) {
	d := newTestDevice(t, "mass")
	first := newCollector(t, http.StatusOK)
	second := newCollector(t, http.StatusOK)
	ctx := context.Background()

	require.NoError(t, d.Subscribe(ctx, first.srv.URL))
	require.NoError(t, d.Subscribe(ctx, second.srv.URL))

	id, err := d.Ingest(ctx, 100, "12.5", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	assert.Equal(t, 0, first.calls())
	require.Equal(t, 1, second.calls())
	var got receivedEvent
	require.NoError(t, json.Unmarshal(second.bodies[0], &got))
	assert.Equal(t, receivedEvent{ID: 1, Time: 100, Value: 12.5}, got)
	assert.NotEmpty(t, second.deliveryIDs[0])

	id, err = d.Ingest(ctx, 101, "13", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestDeliverRetriesThenFails(t *testing.T) {
	d := newTestDevice(t, "end")
	c := newCollector(t, http.StatusInternalServerError)
	ctx := context.Background()
	require.NoError(t, d.Subscribe(ctx, c.srv.URL))

	_, err := d.Ingest(ctx, 5, "press", 2)
	var derr *adapters.DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 3, derr.Attempts)
	assert.Contains(t, err.Error(), "callback returned 500")
	assert.Equal(t, 3, c.calls())

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, c.deliveryIDs[0], c.deliveryIDs[1])
	assert.Equal(t, c.deliveryIDs[0], c.deliveryIDs[2])
}

func TestResubscribeRedirectsRemainingAttempts(t *testing.T) {
	d := newTestDevice(t, "end")
	ctx := context.Background()
	latest := newCollector(t, http.StatusInternalServerError)

	var oldCalls int
	var mu sync.Mutex
	old := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		oldCalls++
		mu.Unlock()
		rec := subscribe(t, d, "?callback="+url.QueryEscape(latest.srv.URL))
		assert.Equal(t, http.StatusOK, rec.Code)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer old.Close()
	require.NoError(t, d.Subscribe(ctx, old.URL))

	_, err := d.Ingest(ctx, 5, "press", 2)
	var derr *adapters.DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 3, derr.Attempts)

	mu.Lock()
	assert.Equal(t, 1, oldCalls)
	mu.Unlock()
	assert.Equal(t, 2, latest.calls())

	latest.mu.Lock()
	defer latest.mu.Unlock()
	assert.Equal(t, latest.deliveryIDs[0], latest.deliveryIDs[1])
}

func TestDeliverRecoversWithinRetryBudget(t *testing.T) {
	d := newTestDevice(t, "end")
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	require.NoError(t, d.Subscribe(ctx, srv.URL))

	id, err := d.Ingest(ctx, 5, "release", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, 2, calls)
}

func TestDeliverTransportFailure(t *testing.T) {
	d := newTestDevice(t, "mass")
	ctx := context.Background()
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL
	srv.Close()
	require.NoError(t, d.Subscribe(ctx, deadURL))

	_, err := d.Ingest(ctx, 1, "1.5", 0)
	var derr *adapters.DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 1, derr.Attempts)
}

func TestIngestWithoutSubscription(t *testing.T) {
	d := newTestDevice(t, "mass")
	ctx := context.Background()

	_, err := d.Ingest(ctx, 1, "1.0", 3)
	require.ErrorIs(t, err, adapters.ErrNoSubscription)
	assert.Equal(t, "No subscriptions", err.Error())

	c := newCollector(t, http.StatusOK)
	require.NoError(t, d.Subscribe(ctx, c.srv.URL))
	id, err := d.Ingest(ctx, 2, "2.0", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestIngestRejects(t *testing.T) {
	d := newTestDevice(t, "end")
	c := newCollector(t, http.StatusOK)
	ctx := context.Background()
	require.NoError(t, d.Subscribe(ctx, c.srv.URL))

	_, err := d.Ingest(ctx, 1, "hold", 0)
	var verr *sensors.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = d.Ingest(ctx, 1, "press", -1)
	assert.ErrorIs(t, err, ErrNegativeRetries)

	assert.Equal(t, 0, c.calls())
}

func TestServeSubscribeOverHTTP(t *testing.T) {
	d := newTestDevice(t, "mass")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	u := "http://" + d.Addr().String() + "/subscribe?callback=" + url.QueryEscape("http://collector.local/cb")
	resp, err := http.Get(u)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestMaxConnsQueuesExtraConnections(t *testing.T) {
	sensor, err := sensors.Lookup("mass")
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "device_limit.db"))
	require.NoError(t, err)
	d, err := New("limit", sensor, st, "127.0.0.1:0", Options{MaxConns: 1})
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	req := "GET /subscribe?callback=" + url.QueryEscape("http://collector.local/cb") +
		" HTTP/1.1\r\nHost: device\r\n\r\n"
	readStatus := func(conn net.Conn) (int, error) {
		resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
		if err != nil {
			return 0, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode, nil
	}

	// a keep-alive connection holds the only slot
	first, err := net.Dial("tcp", d.Addr().String())
	require.NoError(t, err)
	_ = first.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = first.Write([]byte(req))
	require.NoError(t, err)
	status, err := readStatus(first)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	second, err := net.Dial("tcp", d.Addr().String())
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write([]byte(req))
	require.NoError(t, err)
	_ = second.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err = readStatus(second)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	require.NoError(t, first.Close())
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	status, err = readStatus(second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}
