// Package config holds the mutexd runtime settings and their flag, env and
// file bindings. Precedence is flag > MUTEXD_* env > config file > default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixperk/mutexd/pkg/acquire"
	"github.com/pixperk/mutexd/pkg/logging"
	"github.com/pixperk/mutexd/pkg/protocol"
	"github.com/pixperk/mutexd/pkg/server"
	"github.com/pixperk/mutexd/pkg/session"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MUTEXD"

// smallest frame cap that still fits a Lock request with a short id
const minFrameBytes = 64

type Config struct {
	Bind string

	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollMultiplier  float64
	MaxWait         time.Duration

	MaxFrameBytes   int
	WriteTimeout    time.Duration
	MaxConnections  int
	ShutdownTimeout time.Duration

	AdminAddr string
	HTTPAddr  string
	LockFile  string

	LogLevel  string
	LogFormat string
}

func Defaults() Config {
	acq := acquire.DefaultConfig()
	return Config{
		Bind:            "127.0.0.1:7070",
		PollInterval:    acq.PollInterval,
		PollMaxInterval: acq.MaxPollInterval,
		PollMultiplier:  acq.Multiplier,
		MaxFrameBytes:   protocol.DefaultMaxFrameBytes,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       logging.FormatStructured,
	}
}

// BindFlags registers every setting on flags and binds it into v together
// with the MUTEXD_ environment prefix.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	d := Defaults()

	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("bind", d.Bind, "address the lock protocol listens on")
	flags.Duration("poll-interval", d.PollInterval, "initial delay between acquisition attempts")
	flags.Duration("poll-max-interval", d.PollMaxInterval, "ceiling for the acquisition retry delay")
	flags.Float64("poll-multiplier", d.PollMultiplier, "growth factor for the acquisition retry delay")
	flags.Duration("max-wait", d.MaxWait, "upper bound on any single lock wait (0 = unbounded)")
	flags.Int("max-frame-bytes", d.MaxFrameBytes, "largest accepted request line")
	flags.Duration("write-timeout", d.WriteTimeout, "deadline for writing a response (0 = none)")
	flags.Int("max-connections", d.MaxConnections, "concurrent connection cap (0 = unlimited)")
	flags.Duration("shutdown-timeout", d.ShutdownTimeout, "how long shutdown waits for sessions to end")
	flags.String("admin-addr", d.AdminAddr, "gRPC admin listen address (empty disables)")
	flags.String("http-addr", d.HTTPAddr, "HTTP metrics and health listen address (empty disables)")
	flags.String("lock-file", d.LockFile, "single-instance lock file (empty disables)")
	flags.String("log-level", d.LogLevel, "log level: trace, debug, info, warn, error or none")
	flags.String("log-format", d.LogFormat, "log format: structured or console")

	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// Load reads the optional config file named by the "config" key and returns
// the validated settings.
func Load(v *viper.Viper) (Config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	cfg := Config{
		Bind:            v.GetString("bind"),
		PollInterval:    v.GetDuration("poll-interval"),
		PollMaxInterval: v.GetDuration("poll-max-interval"),
		PollMultiplier:  v.GetFloat64("poll-multiplier"),
		MaxWait:         v.GetDuration("max-wait"),
		MaxFrameBytes:   v.GetInt("max-frame-bytes"),
		WriteTimeout:    v.GetDuration("write-timeout"),
		MaxConnections:  v.GetInt("max-connections"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		AdminAddr:       v.GetString("admin-addr"),
		HTTPAddr:        v.GetString("http-addr"),
		LockFile:        v.GetString("lock-file"),
		LogLevel:        v.GetString("log-level"),
		LogFormat:       v.GetString("log-format"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Bind) == "" {
		errs = append(errs, errors.New("bind address required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll-interval must be positive, got %s", c.PollInterval))
	}
	if c.PollMaxInterval < c.PollInterval {
		errs = append(errs, fmt.Errorf("poll-max-interval %s is below poll-interval %s", c.PollMaxInterval, c.PollInterval))
	}
	if c.PollMultiplier < 1 {
		errs = append(errs, fmt.Errorf("poll-multiplier must be >= 1, got %g", c.PollMultiplier))
	}
	if c.MaxWait < 0 {
		errs = append(errs, errors.New("max-wait must not be negative"))
	}
	if c.MaxFrameBytes < minFrameBytes {
		errs = append(errs, fmt.Errorf("max-frame-bytes must be at least %d, got %d", minFrameBytes, c.MaxFrameBytes))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, errors.New("write-timeout must not be negative"))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, errors.New("max-connections must not be negative"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown-timeout must not be negative"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", logging.FormatStructured, logging.FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("unknown log-format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c Config) Acquire() acquire.Config {
	return acquire.Config{
		PollInterval:    c.PollInterval,
		MaxPollInterval: c.PollMaxInterval,
		Multiplier:      c.PollMultiplier,
		MaxWait:         c.MaxWait,
	}
}

func (c Config) Server() server.Config {
	return server.Config{
		Session: session.Config{
			MaxFrameBytes: c.MaxFrameBytes,
			WriteTimeout:  c.WriteTimeout,
		},
		MaxConnections: c.MaxConnections,
	}
}
