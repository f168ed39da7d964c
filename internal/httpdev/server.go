package httpdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/netutil"

	"sensor-emulator/internal/adapters"
	"sensor-emulator/internal/metrics"
	"sensor-emulator/internal/sensors"
	"sensor-emulator/internal/store"
)

var ErrBadCallback = errors.New("Wrong callback format")

const (
	DefaultRetryDelay = 5 * time.Second
	DefaultTimeout    = 10 * time.Second
)

type Options struct {
	RetryDelay time.Duration
	Timeout    time.Duration
	// MaxConns caps concurrent subscribe connections; 0 means no cap.
	MaxConns int
	Client   *http.Client
	Logger   *slog.Logger
}

// Device is a push-style sensor. A collector subscribes a callback over
// HTTP and every injected event is POSTed to it right away.
type Device struct {
	name   string
	sensor sensors.Sensor
	store  *store.Store
	ln     net.Listener
	srv    *http.Server
	client *http.Client
	opts   Options
	log    *slog.Logger
}

var _ adapters.Device = (*Device)(nil)

func New(name string, sensor sensors.Sensor, st *store.Store, addr string, opts Options) (*Device, error) {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConns)
	}

	d := &Device{
		name:   name,
		sensor: sensor,
		store:  st,
		ln:     ln,
		client: client,
		opts:   opts,
		log:    logger.With("device", name, "type", sensor.Type),
	}
	d.srv = &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d, nil
}

func (d *Device) Name() string { return d.name }
func (d *Device) Type() string { return d.sensor.Type }
func (d *Device) Addr() net.Addr { return d.ln.Addr() }

func (d *Device) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware("subscribe"))
	r.Use(d.logMiddleware)
	r.Get("/subscribe", d.handleSubscribe)
	return r
}

func (d *Device) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		d.log.Info("listening for subscriptions", "addr", d.ln.Addr().String())
		if err := d.srv.Serve(d.ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.srv.Shutdown(shCtx); err != nil {
		d.log.Warn("shutdown", "error", err)
	}
	return nil
}

// Subscribe replaces the callback. The url needs both a scheme and a host.
func (d *Device) Subscribe(ctx context.Context, callback string) error {
	if err := validateCallback(callback); err != nil {
		return err
	}
	return d.store.SetSubscription(ctx, callback)
}

func validateCallback(callback string) error {
	u, err := url.Parse(callback)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCallback, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("%w: No scheme", ErrBadCallback)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: No host", ErrBadCallback)
	}
	return nil
}

func (d *Device) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has("callback") {
		http.Error(w, "Missing callback param", http.StatusBadRequest)
		return
	}
	callback := r.URL.Query().Get("callback")
	if err := d.Subscribe(r.Context(), callback); err != nil {
		if errors.Is(err, ErrBadCallback) {
			d.log.Warn("subscribe rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.log.Error("subscribe", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	d.log.Info("subscribed", "remote", r.RemoteAddr, "callback", callback)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (d *Device) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		d.log.Debug(">> request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		d.log.Debug("<< handled", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func (d *Device) Close() error {
	err := d.srv.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if cerr := d.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	return errors.Join(err, d.store.Close())
}
