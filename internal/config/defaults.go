package config

import (
	"time"
)

func Defaults() *Config {

	return &Config{
		DataDir: "./data",

		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},

		Query: QueryConfig{
			Workers:      10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 5 * time.Second,
		},

		Webhook: WebhookConfig{
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Second,
		},

		Control: ControlConfig{
			ReadTimeout: 5 * time.Second,
			MaxFrame:    1 << 20,
		},

		Admin: AdminConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8080,
		},

		Monitor: MonitorConfig{
			Interval: 30 * time.Second,
		},
	}
}
