package config

import (
	"fmt"
	"io"
	"log/slog"
)

func NewLogger(c LogConfig, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch c.Format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Format)
}
