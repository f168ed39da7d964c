package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensor-emulator/internal/config"
	"sensor-emulator/internal/registry"
)

type stubDevice struct{ name string }

func (s stubDevice) Name() string { return s.name }
func (s stubDevice) Type() string { return "keyboard" }
func (s stubDevice) Serve(context.Context) error { return nil }
func (s stubDevice) Close() error { return nil }
func (s stubDevice) Ingest(context.Context, int64, string, int) (int64, error) {
	return 0, nil
}

func newTestServer() *Server {
	reg := registry.NewStore()
	reg.Add(stubDevice{name: "kbd"}, registry.Device{Type: "keyboard", Transport: "pull", Host: "127.0.0.1", Port: 9100})
	reg.Add(stubDevice{name: "door"}, registry.Device{Type: "end", Transport: "push", Host: "127.0.0.1", Port: 9101})
	reg.SetOnline("kbd", true)
	return New(config.AdminConfig{Host: "127.0.0.1", Port: 0}, reg, nil)
}

func Test_Routes(t *testing.T) {
	cases := []struct {
		name         string
		path         string
		expectedCode int
		check        func(t *testing.T, body map[string]any)
	}{
		{
			name:         "health",
			path:         "/api/v1/health",
			expectedCode: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, true, body["ok"])
				assert.Equal(t, float64(2), body["devices"])
				assert.Equal(t, float64(1), body["online"])
			},
		},
		{
			name:         "device list",
			path:         "/api/v1/devices",
			expectedCode: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				data, ok := body["data"].([]any)
				require.True(t, ok)
				require.Len(t, data, 2)
				assert.Equal(t, "door", data[0].(map[string]any)["name"])
				assert.Equal(t, "push", data[0].(map[string]any)["transport"])
			},
		},
		{
			name:         "single device",
			path:         "/api/v1/devices/kbd",
			expectedCode: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				data := body["data"].(map[string]any)
				assert.Equal(t, true, data["online"])
				assert.Equal(t, float64(9100), data["port"])
			},
		},
		{
			name:         "unknown device",
			path:         "/api/v1/devices/ghost",
			expectedCode: http.StatusNotFound,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, false, body["ok"])
			},
		},
	}

	h := newTestServer().Routes()
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.Equal(t, tt.expectedCode, rec.Code)
			assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			tt.check(t, body)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer().Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "emulator_http_request_duration_seconds"))
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer().Routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/devices", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
