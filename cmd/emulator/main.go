package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sensor-emulator/internal/adapters"
	"sensor-emulator/internal/bootstrap"
	"sensor-emulator/internal/config"
	"sensor-emulator/internal/registry"
	"sensor-emulator/internal/web"
)

// exitInit is the status of a start that failed to bring up a device.
const exitInit = 255

func main() {
	configPath := flag.String("config", "", "config file (default $EMULATOR_CONFIG or "+config.DefaultConfigPath+")")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	wd, _ := os.Getwd()
	logger.Info("config loaded", "path", path, "wd", wd, "devices", len(cfg.Devices), "data_dir", cfg.DataDir)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	reg := registry.NewStore()
	devices, err := bootstrap.NewDevices(cfg, reg, logger)
	if err != nil {
		logger.Error("device init failed", "error", err)
		os.Exit(exitInit)
	}

	var extra []bootstrap.Task
	if cfg.Admin.Enabled {
		webSrv := web.New(cfg.Admin, reg, logger)
		extra = append(extra, bootstrap.Task{Name: "admin", Run: webSrv.Start})
	} else {
		logger.Info("admin server disabled")
	}

	if err := bootstrap.RunAll(ctx, cfg, reg, devices, logger, extra...); err != nil {
		logger.Error("fatal", "error", err)
		var ierr *adapters.InitError
		if errors.As(err, &ierr) {
			os.Exit(exitInit)
		}
		os.Exit(1)
	}
	logger.Info("stopped")
}
