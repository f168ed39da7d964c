package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"sensor-emulator/internal/config"
	"sensor-emulator/internal/eventsock"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file (default $EMULATOR_CONFIG or "+config.DefaultConfigPath+")")
		socket     = flag.String("socket", "", "event socket path, overrides the config")
		ts         = flag.Int64("ts", 0, "timestamp, default now")
		retries    = flag.Int("retries", -1, "retry webhook N times")
		every      = flag.Duration("every", 0, "keep sending at this interval until interrupted")
		jitterPct  = flag.Float64("jitter", 0.2, "jitter percent for -every (0..1)")
		count      = flag.Int("count", 0, "stop after N events with -every, 0 means no limit")
		timeout    = flag.Duration("timeout", 30*time.Second, "per-request timeout")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <device> <value|random>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	device, value := flag.Arg(0), flag.Arg(1)
	if *retries < -1 {
		fmt.Fprintln(os.Stderr, "-retries: positive int required")
		os.Exit(2)
	}

	path := *socket
	var deviceType string
	if path == "" || value == "random" {
		cfg, err := config.Load(config.ResolvePath(*configPath))
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
		if path == "" {
			path = cfg.EventSocket
		}
		deviceType = cfg.Devices[device].Type
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &eventsock.Client{Path: path, Timeout: *timeout}
	gen := newGenerator(deviceType)
	send := func() bool {
		req := eventsock.Request{DevName: device, TS: *ts, Value: value}
		if req.TS == 0 {
			req.TS = time.Now().Unix()
		}
		if value == "random" {
			req.Value = gen()
		}
		if *retries >= 0 {
			req.Retries = retries
		}

		id, err := client.Send(ctx, req)
		if err != nil {
			var rerr *eventsock.RemoteError
			if errors.As(err, &rerr) {
				slog.Error("server said", "error", rerr.Message)
			} else {
				slog.Error("failed to send event", "error", err)
			}
			return false
		}
		slog.Info("sent event", "id", id, "device", device, "value", req.Value, "ts", req.TS)
		return true
	}

	if *every <= 0 {
		if !send() {
			os.Exit(1)
		}
		return
	}

	for sent := 0; *count == 0 || sent < *count; sent++ {
		send()
		select {
		case <-ctx.Done():
			return
		case <-time.After(withJitter(*every, *jitterPct)):
		}
	}
}

func withJitter(base time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return base
	}
	delta := base.Seconds() * pct
	j := (rand.Float64()*2 - 1) * delta // [-pct..+pct]
	return time.Duration((base.Seconds() + j) * float64(time.Second))
}

// newGenerator returns a source of plausible raw values for a sensor type.
func newGenerator(typ string) func() string {
	switch typ {
	case "mass":
		return func() string { return strconv.FormatFloat(50+rand.Float64()*950, 'f', 2, 64) }
	case "end":
		pressed := false
		return func() string {
			pressed = !pressed
			if pressed {
				return "press"
			}
			return "release"
		}
	case "temperature":
		return func() string { return strconv.Itoa(rand.Intn(1001) - 500) }
	case "counter":
		n := 0
		return func() string {
			n += 1 + rand.Intn(3)
			return strconv.Itoa(n)
		}
	default:
		keys := []string{"enter", "esc", "space", "a", "b", "c", "1", "2", "3"}
		return func() string { return keys[rand.Intn(len(keys))] }
	}
}
