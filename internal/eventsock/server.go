package eventsock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"sensor-emulator/internal/adapters"
	"sensor-emulator/internal/metrics"
	"sensor-emulator/internal/sensors"
)

const DefaultReadTimeout = 5 * time.Second

type Devices interface {
	Lookup(name string) (adapters.Device, bool)
}

type Options struct {
	ReadTimeout time.Duration
	MaxFrame    int
	Logger      *slog.Logger
}

// Server is the control-plane dispatcher. It serves one connection at a
// time, in accept order, with exactly one request and reply per connection.
type Server struct {
	path    string
	ln      net.Listener
	devices Devices
	opts    Options
	log     *slog.Logger
}

// Listen binds the UNIX socket at path, removing a stale socket file first.
func Listen(path string, devices Devices, opts Options) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	s := NewServer(ln, devices, opts)
	s.path = path
	return s, nil
}

func NewServer(ln net.Listener, devices Devices, opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = DefaultMaxFrame
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ln:      ln,
		devices: devices,
		opts:    opts,
		log:     logger.With("component", "event_socket"),
	}
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()

	s.log.Info("listening", "addr", s.ln.Addr().String())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With("request_id", uuid.NewString())

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	data, err := ReadFrame(conn, s.opts.MaxFrame)
	if err != nil {
		log.Warn("read request", "error", err)
		metrics.DispatcherRequests.WithLabelValues("read_error").Inc()
		if errors.Is(err, ErrFrameTooLarge) {
			s.reply(log, conn, errReply("wrong data received: %v", err))
		}
		return
	}

	reply := s.Handle(ctx, log, data)
	s.reply(log, conn, reply)
}

func (s *Server) reply(log *slog.Logger, conn net.Conn, r Reply) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.ReadTimeout))
	if err := WriteFrame(conn, r); err != nil {
		log.Error("error sending reply", "error", err)
	}
}

// Handle validates one request payload, routes it to the named device and
// builds the reply. It never panics.
func (s *Server) Handle(ctx context.Context, log *slog.Logger, data []byte) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in dispatch", "panic", r)
			metrics.DispatcherRequests.WithLabelValues("internal_error").Inc()
			reply = errReply("internal error: %v", r)
		}
	}()

	req, err := parseRequest(data)
	if err != nil {
		msg := fmt.Sprintf("wrong data received: %v", err)
		log.Error("event socket", "error", msg)
		metrics.DispatcherRequests.WithLabelValues("bad_request").Inc()
		return Reply{Error: msg}
	}
	log = log.With("device", req.DevName, "ts", req.TS)

	dev, ok := s.devices.Lookup(req.DevName)
	if !ok {
		log.Warn("unknown device")
		metrics.DispatcherRequests.WithLabelValues("unknown_device").Inc()
		return errReply("Unknown device %s", req.DevName)
	}

	retries := 0
	if req.Retries != nil {
		retries = *req.Retries
	}
	id, err := dev.Ingest(ctx, req.TS, req.Value, retries)
	if err == nil {
		log.Info("event accepted", "id", id)
		metrics.DispatcherRequests.WithLabelValues("ok").Inc()
		return okReply(id)
	}

	var (
		verr *sensors.ValidationError
		derr *adapters.DeliveryError
	)
	switch {
	case errors.As(err, &verr):
		log.Warn("wrong event data format", "error", err)
		metrics.DispatcherRequests.WithLabelValues("validation").Inc()
		return errReply("Wrong event data format: %v", err)
	case errors.Is(err, adapters.ErrNoSubscription), errors.As(err, &derr):
		log.Warn("event not delivered", "error", err)
		metrics.DispatcherRequests.WithLabelValues("delivery").Inc()
		return Reply{Error: err.Error()}
	default:
		log.Error("exception in serve", "error", err)
		metrics.DispatcherRequests.WithLabelValues("internal_error").Inc()
		return errReply("internal error: %v", err)
	}
}

// parseRequest checks presence and JSON types of every field.
func parseRequest(data []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Request{}, fmt.Errorf("malformed json: %v", err)
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return Request{}, fmt.Errorf("data is not an object: %s", data)
	}

	var req Request
	for _, name := range []string{"dev_name", "ts", "value"} {
		if _, ok := fields[name]; !ok {
			return Request{}, fmt.Errorf("%s not set: %s", name, data)
		}
	}
	if req.DevName, ok = fields["dev_name"].(string); !ok {
		return Request{}, fmt.Errorf("dev_name fmt: %s", data)
	}
	ts, err := intField(fields["ts"])
	if err != nil {
		return Request{}, fmt.Errorf("ts fmt: %s", data)
	}
	req.TS = ts
	if req.Value, ok = fields["value"].(string); !ok {
		return Request{}, fmt.Errorf("value fmt: %s", data)
	}
	if v, present := fields["retries"]; present && v != nil {
		n, err := intField(v)
		if err != nil {
			return Request{}, fmt.Errorf("retries fmt: %s", data)
		}
		if n < 0 {
			return Request{}, fmt.Errorf("retries must not be negative: %d", n)
		}
		r := int(n)
		req.Retries = &r
	}
	return req, nil
}

func intField(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, errors.New("not a number")
	}
	return n.Int64()
}

func (s *Server) Close() error {
	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if s.path != "" {
		if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			err = errors.Join(err, rerr)
		}
	}
	return err
}
