package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"sensor-emulator/internal/adapters/tcp"
	"sensor-emulator/internal/config"
	"sensor-emulator/internal/sensors"
)

type eventOut struct {
	ID    int64 `json:"id"`
	Time  int64 `json:"time"`
	Value any   `json:"value"`
}

func main() {
	var (
		configPath = flag.String("config", "", "config file (default $EMULATOR_CONFIG or "+config.DefaultConfigPath+")")
		from       = flag.Int64("from", 0, "return events with timestamp >= from")
		addr       = flag.String("addr", "", "device address, overrides the config")
		typ        = flag.String("type", "", "device type, needed with -addr")
		compat     = flag.Bool("float32", false, "decode floats as legacy 4-byte singles")
		timeout    = flag.Duration("timeout", 10*time.Second, "query timeout")
		asJSON     = flag.Bool("json", false, "print events as JSON lines")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [device]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	target, sensorType := *addr, *typ
	float32Compat := *compat
	if target == "" {
		if flag.NArg() != 1 {
			flag.Usage()
			os.Exit(2)
		}
		cfg, err := config.Load(config.ResolvePath(*configPath))
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
		dc, ok := cfg.Devices[flag.Arg(0)]
		if !ok {
			slog.Error("unknown device", "device", flag.Arg(0))
			os.Exit(1)
		}
		host := dc.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		target = net.JoinHostPort(host, strconv.Itoa(dc.Port))
		sensorType = dc.Type
		float32Compat = float32Compat || cfg.Query.Float32Compat
	}

	sensor, err := sensors.Lookup(sensorType)
	if err != nil {
		slog.Error("device type", "error", err)
		os.Exit(2)
	}
	if sensor.Transport != sensors.Pull {
		slog.Error("device does not serve the query protocol", "type", sensor.Type)
		os.Exit(2)
	}

	evs, err := tcp.Query(context.Background(), target, *from, sensor.Kind, tcp.ClientOptions{
		Timeout:  *timeout,
		Encoding: tcp.Encoding{Float32Compat: float32Compat},
	})
	if err != nil {
		slog.Error("query", "addr", target, "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, ev := range evs {
		if *asJSON {
			_ = enc.Encode(eventOut{ID: ev.ID, Time: ev.Timestamp, Value: ev.Value.Any()})
			continue
		}
		fmt.Printf("%d\t%d\t%s\n", ev.ID, ev.Timestamp, ev.Value)
	}
	slog.Info("events received", "addr", target, "from", *from, "count", len(evs))
}
