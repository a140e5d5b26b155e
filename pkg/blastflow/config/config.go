// Package config holds the BlastFlow configuration tree and its loaders.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/blastflow/pkg/blastflow/channels/whatsapp"
	"github.com/jholhewres/blastflow/pkg/blastflow/console"
	"github.com/jholhewres/blastflow/pkg/blastflow/dispatch"
	"github.com/jholhewres/blastflow/pkg/blastflow/gateway"
	"github.com/jholhewres/blastflow/pkg/blastflow/scheduler"
	"github.com/jholhewres/blastflow/pkg/blastflow/session"
	"github.com/jholhewres/blastflow/pkg/blastflow/webui"
)

// Config is the top-level configuration.
type Config struct {
	// Name is shown in logs and the startup banner.
	Name string `yaml:"name"`

	Server   webui.Config        `yaml:"server"`
	WhatsApp whatsapp.Config     `yaml:"whatsapp"`
	Session  session.Config      `yaml:"session"`
	Dispatch dispatch.Config     `yaml:"dispatch"`
	Reset    console.ResetConfig `yaml:"reset"`
	Gateway  gateway.Config      `yaml:"gateway"`
	Logging  LoggingConfig       `yaml:"logging"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text, json or auto (text on a terminal, json otherwise).
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Name:     "BlastFlow",
		Server:   webui.DefaultConfig(),
		WhatsApp: whatsapp.DefaultConfig(),
		Session:  session.DefaultConfig(),
		Dispatch: dispatch.DefaultConfig(),
		Reset:    console.DefaultResetConfig(),
		Gateway:  gateway.DefaultConfig(),
		Logging:  LoggingConfig{Level: "info", Format: "auto"},
	}
}

// Validate checks the values a running server depends on.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.WhatsApp.SessionDir == "" {
		errs = append(errs, fmt.Errorf("whatsapp.session_dir is required"))
	}
	if c.WhatsApp.SessionID == "" {
		errs = append(errs, fmt.Errorf("whatsapp.session_id is required"))
	}
	if c.Session.TeamCapacity <= 0 {
		errs = append(errs, fmt.Errorf("session.team_capacity must be positive"))
	}
	if c.Dispatch.MinDelay < 0 || c.Dispatch.MaxDelay < c.Dispatch.MinDelay {
		errs = append(errs, fmt.Errorf("dispatch delays must satisfy 0 <= min_delay (%s) <= max_delay (%s)",
			c.Dispatch.MinDelay, c.Dispatch.MaxDelay))
	}
	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.queue_size must be positive"))
	}
	if c.Reset.Schedule != "" {
		if err := scheduler.ValidateSchedule(c.Reset.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("reset.schedule: %w", err))
		}
	}
	if _, err := scheduler.LoadLocation(c.Reset.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("reset.timezone: %w", err))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be auto, text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level %q must be debug, info, warn or error", name)
}
