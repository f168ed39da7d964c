package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"sensor-emulator/internal/adapters"
	"sensor-emulator/internal/metrics"
	"sensor-emulator/internal/sensors"
	"sensor-emulator/internal/store"
)

const (
	DefaultWorkers     = 10
	DefaultReadTimeout = 3 * time.Second
)

type Options struct {
	Workers      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Encoding     Encoding
	Logger       *slog.Logger
}

// Device is a pull-style sensor. Injected events stay in its store until a
// collector asks for them over the binary query protocol.
type Device struct {
	name   string
	sensor sensors.Sensor
	store  *store.Store
	ln     net.Listener
	opts   Options
	log    *slog.Logger
}

var _ adapters.Device = (*Device)(nil)

// New binds the query listener on addr. The store is owned by the device
// from then on.
func New(name string, sensor sensors.Sensor, st *store.Store, addr string, opts Options) (*Device, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Device{
		name:   name,
		sensor: sensor,
		store:  st,
		ln:     ln,
		opts:   opts,
		log:    logger.With("device", name, "type", sensor.Type),
	}, nil
}

func (d *Device) Name() string { return d.name }
func (d *Device) Type() string { return d.sensor.Type }
func (d *Device) Addr() net.Addr { return d.ln.Addr() }

func (d *Device) Ingest(ctx context.Context, ts int64, raw string, _ int) (int64, error) {
	v, err := d.sensor.Coerce(raw)
	if err != nil {
		metrics.IngestErrors.WithLabelValues(d.name, "validation").Inc()
		return 0, err
	}
	ev, err := d.store.Insert(ctx, ts, raw, v)
	if err != nil {
		metrics.IngestErrors.WithLabelValues(d.name, "store").Inc()
		return 0, err
	}
	metrics.EventsIngested.WithLabelValues(d.name).Inc()
	d.log.Info("event stored", "id", ev.ID, "ts", ts, "value", v.String())
	return ev.ID, nil
}

// Serve accepts query connections and hands them to a fixed pool of
// workers. When every worker is busy the accept loop blocks.
func (d *Device) Serve(ctx context.Context) error {
	conns := make(chan net.Conn)
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for conn := range conns {
				d.safeServeConn(ctx, conn)
			}
		}()
	}
	defer func() {
		close(conns)
		wg.Wait()
	}()

	stop := context.AfterFunc(ctx, func() { _ = d.ln.Close() })
	defer stop()

	d.log.Info("listening for queries", "addr", d.ln.Addr().String(), "workers", d.opts.Workers)
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		d.log.Debug("new connection", "remote", conn.RemoteAddr().String())
		select {
		case conns <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
	}
}

// safeServeConn keeps a worker alive when a connection handler panics.
// serveConn closes the connection while unwinding.
func (d *Device) safeServeConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("query handler panic", "panic", r, "stack", string(debug.Stack()))
			metrics.QueryConnections.WithLabelValues(d.name, "panic").Inc()
		}
	}()
	d.serveConn(ctx, conn)
}

func (d *Device) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	busy := metrics.QueryWorkersBusy.WithLabelValues(d.name)
	busy.Inc()
	defer busy.Dec()

	remote := conn.RemoteAddr().String()
	bound, err := ReadRequest(conn, d.opts.ReadTimeout)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			d.log.Debug("connection closed without request", "remote", remote)
			metrics.QueryConnections.WithLabelValues(d.name, "empty").Inc()
		case errors.Is(err, os.ErrDeadlineExceeded):
			d.log.Warn("read timeout", "remote", remote)
			metrics.QueryConnections.WithLabelValues(d.name, "timeout").Inc()
		case errors.Is(err, ErrProtocol):
			d.log.Warn("protocol error", "remote", remote, "error", err)
			metrics.QueryConnections.WithLabelValues(d.name, "protocol_error").Inc()
		default:
			d.log.Warn("read request", "remote", remote, "error", err)
			metrics.QueryConnections.WithLabelValues(d.name, "read_error").Inc()
		}
		return
	}

	evs, err := d.store.Query(ctx, bound)
	if err != nil {
		d.log.Error("query events", "remote", remote, "error", err)
		metrics.QueryConnections.WithLabelValues(d.name, "store_error").Inc()
		return
	}
	reply, err := AppendReply(nil, evs, d.opts.Encoding)
	if err != nil {
		d.log.Error("encode reply", "remote", remote, "error", err)
		metrics.QueryConnections.WithLabelValues(d.name, "encode_error").Inc()
		return
	}

	if d.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(d.opts.WriteTimeout))
	}
	if _, err := conn.Write(reply); err != nil {
		d.log.Warn("write reply", "remote", remote, "error", err)
		metrics.QueryConnections.WithLabelValues(d.name, "write_error").Inc()
		return
	}
	metrics.QueryConnections.WithLabelValues(d.name, "served").Inc()
	d.log.Info("query served", "remote", remote, "bound", bound, "events", len(evs))
}

func (d *Device) Close() error {
	err := d.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return errors.Join(err, d.store.Close())
}
