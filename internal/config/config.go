package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sensor-emulator/internal/sensors"
)

const (
	DefaultConfigPath = "./configs/emulator.yml"
	EnvConfigPath     = "EMULATOR_CONFIG"
)

var ErrInvalidConfig = errors.New("invalid config")

type Device struct {
	Type string `yaml:"type"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (d Device) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

type QueryConfig struct {
	Workers       int           `yaml:"workers"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	Float32Compat bool          `yaml:"float32_compat"`
}

type WebhookConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxConns   int           `yaml:"max_conns"`
}

type ControlConfig struct {
	ReadTimeout time.Duration `yaml:"read_timeout"`
	MaxFrame    int           `yaml:"max_frame"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables probing
}

type Config struct {
	DataDir     string            `yaml:"data_dir"`
	EventSocket string            `yaml:"event_socket"`
	Log         LogConfig         `yaml:"log"`
	Query       QueryConfig       `yaml:"query"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Control     ControlConfig     `yaml:"control"`
	Admin       AdminConfig       `yaml:"admin"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Devices     map[string]Device `yaml:"devices"`
}

// ResolvePath picks the config file: the explicit flag value, then
// $EMULATOR_CONFIG, then the default.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultConfigPath
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse yaml %s: %w", path, err)
	}
	if cfg.EventSocket == "" {
		cfg.EventSocket = filepath.Join(cfg.DataDir, "event.sock")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("%w: no devices section", ErrInvalidConfig)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if c.Query.Workers <= 0 {
		return fmt.Errorf("%w: query.workers must be positive", ErrInvalidConfig)
	}
	if _, err := NewLogger(c.Log, io.Discard); err != nil {
		return err
	}

	seen := map[string]string{}
	for _, name := range c.DeviceNames() {
		d := c.Devices[name]
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty device name", ErrInvalidConfig)
		}
		if _, err := sensors.Lookup(d.Type); err != nil {
			return fmt.Errorf("%w: device %s: %v", ErrInvalidConfig, name, err)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("%w: device %s: port %d out of range", ErrInvalidConfig, name, d.Port)
		}
		if other, ok := seen[d.Addr()]; ok {
			return fmt.Errorf("%w: devices %s and %s share %s", ErrInvalidConfig, other, name, d.Addr())
		}
		seen[d.Addr()] = name
	}
	return nil
}

func (c *Config) DeviceNames() []string {
	names := make([]string, 0, len(c.Devices))
	for name := range c.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) StorePath(name string) string {
	return filepath.Join(c.DataDir, "device_"+name+".db")
}
