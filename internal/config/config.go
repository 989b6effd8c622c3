// Package config loads the hub configuration from a YAML file with
// environment overrides, and converts the declarative sections into the
// domain types the rest of the system consumes.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"stim-hub/internal/device"
	"stim-hub/internal/dglab"
	"stim-hub/internal/events"
	"stim-hub/internal/schedule"
	"stim-hub/internal/yokonex"
)

// DGLabDevice configures one connection-oriented device.
type DGLabDevice struct {
	ID                string        `mapstructure:"id"`
	Name              string        `mapstructure:"name"`
	URL               string        `mapstructure:"url"`
	StrengthLimitA    int           `mapstructure:"strength_limit_a"`
	StrengthLimitB    int           `mapstructure:"strength_limit_b"`
	WaitForBind       bool          `mapstructure:"wait_for_bind"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	BindTimeout       time.Duration `mapstructure:"bind_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
}

// YokonexDevice configures one message-oriented device.
type YokonexDevice struct {
	ID             string        `mapstructure:"id"`
	Name           string        `mapstructure:"name"`
	AuthURL        string        `mapstructure:"auth_url"`
	BrokerURL      string        `mapstructure:"broker_url"`
	UID            string        `mapstructure:"uid"`
	Token          string        `mapstructure:"token"`
	StrengthLimitA int           `mapstructure:"strength_limit_a"`
	StrengthLimitB int           `mapstructure:"strength_limit_b"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
}

// ActionConfig is the declarative form of one device action.
type ActionConfig struct {
	Kind     string         `mapstructure:"kind"`
	DeviceID string         `mapstructure:"device_id"`
	Channel  string         `mapstructure:"channel"`
	Mode     string         `mapstructure:"mode"`
	Value    int            `mapstructure:"value"`
	Duration time.Duration  `mapstructure:"duration"`
	Preset   string         `mapstructure:"preset"`
	Event    string         `mapstructure:"event"`
	Payload  map[string]any `mapstructure:"payload"`
}

// EventMapping is the declarative form of one event-to-actions binding.
type EventMapping struct {
	Event    string         `mapstructure:"event"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Actions  []ActionConfig `mapstructure:"actions"`
}

// ScheduleTrigger is the declarative form of one cron firing rule.
type ScheduleTrigger struct {
	Name  string `mapstructure:"name"`
	Cron  string `mapstructure:"cron"`
	Event string `mapstructure:"event"`
}

// Config is the whole hub configuration.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	ServiceName string `mapstructure:"service_name"`
	Relay       struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"relay"`
	DGLab     []DGLabDevice     `mapstructure:"dglab_devices"`
	Yokonex   []YokonexDevice   `mapstructure:"yokonex_devices"`
	Events    []EventMapping    `mapstructure:"events"`
	Schedules []ScheduleTrigger `mapstructure:"schedules"`
}

// Load reads the config file (optional when path is empty), applies defaults
// and environment overrides, and validates the result. Validation failures
// wrap device.ErrConfig so the caller can fail fast.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("service_name", "stim-hub")
	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.path", "/relay")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, device.ErrConfig)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", device.ErrConfig)
	}

	// Env overrides for deploy-time knobs.
	if addr := os.Getenv("STIMHUB_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if level := os.Getenv("STIMHUB_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for _, d := range c.DGLab {
		switch {
		case d.ID == "":
			return fmt.Errorf("dglab device without id: %w", device.ErrConfig)
		case d.URL == "":
			return fmt.Errorf("dglab device %s without url: %w", d.ID, device.ErrConfig)
		case seen[d.ID]:
			return fmt.Errorf("duplicate device id %s: %w", d.ID, device.ErrConfig)
		}
		seen[d.ID] = true
	}
	for _, y := range c.Yokonex {
		switch {
		case y.ID == "":
			return fmt.Errorf("yokonex device without id: %w", device.ErrConfig)
		case y.AuthURL == "" || y.BrokerURL == "":
			return fmt.Errorf("yokonex device %s needs auth_url and broker_url: %w", y.ID, device.ErrConfig)
		case y.UID == "" || y.Token == "":
			return fmt.Errorf("yokonex device %s needs uid and token: %w", y.ID, device.ErrConfig)
		case seen[y.ID]:
			return fmt.Errorf("duplicate device id %s: %w", y.ID, device.ErrConfig)
		}
		seen[y.ID] = true
	}
	for _, e := range c.Events {
		if e.Event == "" {
			return fmt.Errorf("event mapping without event id: %w", device.ErrConfig)
		}
		for i, a := range e.Actions {
			if _, err := a.ToAction(); err != nil {
				return fmt.Errorf("event %s action %d: %w", e.Event, i, err)
			}
		}
	}
	return nil
}

// SlogLevel parses the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SlogHandler builds the configured log handler, JSON unless log_format is
// "text".
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.ToLower(c.LogFormat) == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// DGLabConfig converts a device section into the adapter's config.
func (d DGLabDevice) DGLabConfig() dglab.Config {
	return dglab.Config{
		DeviceID:          d.ID,
		Name:              d.Name,
		URL:               d.URL,
		StrengthLimitA:    d.StrengthLimitA,
		StrengthLimitB:    d.StrengthLimitB,
		WaitForBind:       d.WaitForBind,
		ConnectTimeout:    d.ConnectTimeout,
		BindTimeout:       d.BindTimeout,
		HeartbeatInterval: d.HeartbeatInterval,
		ReconnectDelay:    d.ReconnectDelay,
		MaxReconnects:     d.MaxReconnects,
	}
}

// YokonexConfig converts a device section into the adapter's config.
func (y YokonexDevice) YokonexConfig() yokonex.Config {
	return yokonex.Config{
		DeviceID:       y.ID,
		Name:           y.Name,
		AuthURL:        y.AuthURL,
		BrokerURL:      y.BrokerURL,
		UID:            y.UID,
		Token:          y.Token,
		StrengthLimitA: y.StrengthLimitA,
		StrengthLimitB: y.StrengthLimitB,
		ReadyTimeout:   y.ReadyTimeout,
		ReconnectDelay: y.ReconnectDelay,
		MaxReconnects:  y.MaxReconnects,
	}
}

// ToAction converts a declarative action into a device action.
func (a ActionConfig) ToAction() (device.Action, error) {
	act := device.Action{
		DeviceID: a.DeviceID,
		Value:    a.Value,
		Duration: a.Duration,
		Event:    a.Event,
		Payload:  a.Payload,
	}

	switch strings.ToLower(a.Kind) {
	case "strength":
		act.Kind = device.ActionStrength
	case "waveform":
		act.Kind = device.ActionWaveform
	case "custom":
		act.Kind = device.ActionCustom
	default:
		return device.Action{}, fmt.Errorf("unknown action kind %q: %w", a.Kind, device.ErrConfig)
	}

	switch strings.ToUpper(a.Channel) {
	case "A", "":
		act.Channel = device.ChannelA
	case "B":
		act.Channel = device.ChannelB
	default:
		return device.Action{}, fmt.Errorf("unknown channel %q: %w", a.Channel, device.ErrConfig)
	}

	switch strings.ToLower(a.Mode) {
	case "set", "":
		act.Mode = device.ModeSet
	case "increase", "inc":
		act.Mode = device.ModeIncrease
	case "decrease", "dec":
		act.Mode = device.ModeDecrease
	default:
		return device.Action{}, fmt.Errorf("unknown strength mode %q: %w", a.Mode, device.ErrConfig)
	}

	if act.Kind == device.ActionWaveform {
		if a.Preset == "" {
			return device.Action{}, fmt.Errorf("waveform action needs a preset: %w", device.ErrConfig)
		}
		act.Waveform = device.Waveform{Preset: a.Preset, Duration: a.Duration}
	}
	if act.Kind == device.ActionCustom && a.Event == "" {
		return device.Action{}, fmt.Errorf("custom action needs an event name: %w", device.ErrConfig)
	}
	return act, nil
}

// ToMapping converts a declarative event binding into a mapper entry.
func (e EventMapping) ToMapping() (events.Mapping, error) {
	m := events.Mapping{Event: e.Event, Cooldown: e.Cooldown}
	for i, a := range e.Actions {
		act, err := a.ToAction()
		if err != nil {
			return events.Mapping{}, fmt.Errorf("action %d: %w", i, err)
		}
		m.Actions = append(m.Actions, act)
	}
	return m, nil
}

// ScheduleTriggers converts the schedule section.
func (c *Config) ScheduleTriggers() []schedule.Trigger {
	out := make([]schedule.Trigger, 0, len(c.Schedules))
	for _, s := range c.Schedules {
		out = append(out, schedule.Trigger{Name: s.Name, Cron: s.Cron, Event: s.Event})
	}
	return out
}
