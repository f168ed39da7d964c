package eventsock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "Server said: " + e.Message
}

var ErrBadReply = errors.New("Wrong reply from server")

type Client struct {
	Path    string
	Timeout time.Duration
}

func NewClient(path string) *Client {
	return &Client{Path: path, Timeout: 30 * time.Second}
}

// Send submits one request and returns the id the device assigned.
func (c *Client) Send(ctx context.Context, req Request) (int64, error) {
	const fn = "eventsock:Send"
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return 0, fmt.Errorf("%s: connect to event socket %s: %w", fn, c.Path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteFrame(conn, req); err != nil {
		return 0, fmt.Errorf("%s: write request: %w", fn, err)
	}
	data, err := ReadFrame(conn, DefaultMaxFrame)
	if err != nil {
		return 0, fmt.Errorf("%s: read reply: %w", fn, err)
	}
	return decodeReply(data)
}

func decodeReply(data []byte) (int64, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	switch {
	case r.Error != "":
		return 0, &RemoteError{Message: r.Error}
	case r.ID != nil:
		return *r.ID, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrBadReply, data)
}
