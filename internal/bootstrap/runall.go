package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"

	"sensor-emulator/internal/adapters"
	"sensor-emulator/internal/adapters/tcp"
	"sensor-emulator/internal/config"
	"sensor-emulator/internal/eventsock"
	"sensor-emulator/internal/httpdev"
	"sensor-emulator/internal/metrics"
	"sensor-emulator/internal/registry"
	"sensor-emulator/internal/sensors"
	"sensor-emulator/internal/store"
)

const dispatcherTask = "event_socket"

type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type factory func(name string, sensor sensors.Sensor, st *store.Store, addr string) (adapters.Device, error)

// NewDevices opens the store and binds the listener of every configured
// device and registers it. On the first failure the devices created so far
// are closed and an *adapters.InitError is returned.
func NewDevices(cfg *config.Config, reg *registry.Store, logger *slog.Logger) ([]adapters.Device, error) {
	factoryMap := map[sensors.Transport]factory{
		sensors.Pull: func(name string, sensor sensors.Sensor, st *store.Store, addr string) (adapters.Device, error) {
			return tcp.New(name, sensor, st, addr, tcp.Options{
				Workers:      cfg.Query.Workers,
				ReadTimeout:  cfg.Query.ReadTimeout,
				WriteTimeout: cfg.Query.WriteTimeout,
				Encoding:     tcp.Encoding{Float32Compat: cfg.Query.Float32Compat},
				Logger:       logger,
			})
		},
		sensors.Push: func(name string, sensor sensors.Sensor, st *store.Store, addr string) (adapters.Device, error) {
			return httpdev.New(name, sensor, st, addr, httpdev.Options{
				RetryDelay: cfg.Webhook.RetryDelay,
				Timeout:    cfg.Webhook.Timeout,
				MaxConns:   cfg.Webhook.MaxConns,
				Logger:     logger,
			})
		},
	}

	var devices []adapters.Device
	fail := func(name string, err error) ([]adapters.Device, error) {
		for _, d := range devices {
			_ = d.Close()
		}
		logger.Error("exception during device init", "device", name, "error", err)
		return nil, &adapters.InitError{Device: name, Err: err}
	}

	for _, name := range cfg.DeviceNames() {
		dc := cfg.Devices[name]
		sensor, err := sensors.Lookup(dc.Type)
		if err != nil {
			return fail(name, err)
		}
		f, ok := factoryMap[sensor.Transport]
		if !ok {
			return fail(name, fmt.Errorf("no factory for transport %s", sensor.Transport))
		}
		st, err := store.Open(cfg.StorePath(name))
		if err != nil {
			return fail(name, err)
		}
		dev, err := f(name, sensor, st, dc.Addr())
		if err != nil {
			_ = st.Close()
			return fail(name, err)
		}
		devices = append(devices, dev)

		info := registry.Device{
			Type:      sensor.Type,
			Transport: string(sensor.Transport),
			Host:      dc.Host,
			Port:      dc.Port,
			Store:     st.Path(),
		}
		if a, ok := dev.(interface{ Addr() net.Addr }); ok {
			if tcpAddr, ok := a.Addr().(*net.TCPAddr); ok {
				info.Port = tcpAddr.Port
			}
		}
		reg.Add(dev, info)
		logger.Info("device ready", "device", name, "type", sensor.Type, "transport", sensor.Transport, "addr", dc.Addr())
	}
	return devices, nil
}

// Supervise runs every task in its own goroutine behind a failure
// boundary. A task that returns or panics is logged and marked offline;
// the others keep running. Supervise returns once ctx is done and every
// task has stopped.
func Supervise(ctx context.Context, reg *registry.Store, logger *slog.Logger, tasks []Task) {
	var wg sync.WaitGroup
	for _, t := range tasks {
		reg.SetOnline(t.Name, true)
		metrics.SetOnline(t.Name, true)

		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			err := runTask(ctx, t)
			if ctx.Err() != nil && err == nil {
				return
			}
			reg.SetOnline(t.Name, false)
			metrics.SetOnline(t.Name, false)
			if err != nil {
				logger.Error("task stopped", "task", t.Name, "error", err)
			} else {
				logger.Warn("task exited", "task", t.Name)
			}
		}(t)
	}

	<-ctx.Done()
	wg.Wait()
}

func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t.Run(ctx)
}

// RunAll starts the dispatcher next to the device listeners and supervises
// them until ctx is done. Extra tasks, such as the admin server, join the
// same supervision. The devices are closed on return.
func RunAll(ctx context.Context, cfg *config.Config, reg *registry.Store, devices []adapters.Device, logger *slog.Logger, extra ...Task) error {
	defer func() {
		for _, d := range devices {
			if err := d.Close(); err != nil {
				logger.Warn("close device", "device", d.Name(), "error", err)
			}
		}
	}()

	dispatcher, err := eventsock.Listen(cfg.EventSocket, reg, eventsock.Options{
		ReadTimeout: cfg.Control.ReadTimeout,
		MaxFrame:    cfg.Control.MaxFrame,
		Logger:      logger,
	})
	if err != nil {
		return &adapters.InitError{Device: dispatcherTask, Err: err}
	}
	defer func() {
		if err := dispatcher.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Warn("close event socket", "error", err)
		}
	}()

	tasks := make([]Task, 0, len(devices)+1+len(extra))
	for _, d := range devices {
		tasks = append(tasks, Task{Name: d.Name(), Run: d.Serve})
	}
	tasks = append(tasks, Task{Name: dispatcherTask, Run: dispatcher.Serve})
	tasks = append(tasks, extra...)

	if cfg.Monitor.Interval > 0 {
		go reg.StartMonitoring(ctx, cfg.Monitor.Interval, nil)
		logger.Info("device monitoring started", "interval", cfg.Monitor.Interval)
	}

	Supervise(ctx, reg, logger, tasks)
	return nil
}
