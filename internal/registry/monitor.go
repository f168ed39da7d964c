package registry

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"
)

type ProbeFunc func(ctx context.Context, d Device) bool

// StartMonitoring periodically probes every online device and marks the
// ones that stopped answering as offline. It blocks until ctx is done.
func (s *Store) StartMonitoring(ctx context.Context, interval time.Duration, probe ProbeFunc) {
	if probe == nil {
		probe = DialProbe(2 * time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkDevices(ctx, probe)
		}
	}
}

func (s *Store) checkDevices(ctx context.Context, probe ProbeFunc) {
	for _, dev := range s.List() {
		if !dev.Online {
			continue
		}
		if probe(ctx, dev) {
			continue
		}
		s.SetOnline(dev.Name, false)
		slog.WarnContext(ctx, "device stopped answering", "device", dev.Name, "host", dev.Host, "port", dev.Port)
	}
}

func DialProbe(timeout time.Duration) ProbeFunc {
	return func(ctx context.Context, d Device) bool {
		host := d.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(d.Port)))
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}
