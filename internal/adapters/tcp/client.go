package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"sensor-emulator/internal/events"
)

type ClientOptions struct {
	Timeout  time.Duration
	Encoding Encoding
}

// Query asks the pull device at addr for every event with a timestamp at
// or after bound. kind is the value kind of that device.
func Query(ctx context.Context, addr string, bound int64, kind events.Kind, opts ClientOptions) ([]events.Event, error) {
	const fn = "tcp:Query"
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s: dial %s: %w", fn, addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(AppendRequest(nil, bound)); err != nil {
		return nil, fmt.Errorf("%s: write request: %w", fn, err)
	}
	evs, err := ReadReply(bufio.NewReader(conn), kind, opts.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%s: read reply: %w", fn, err)
	}
	return evs, nil
}
