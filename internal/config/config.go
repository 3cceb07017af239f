// Package config loads driver settings from defaults, a config file, the
// environment and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"crank/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. CRANK_RAMP_BATCH_SIZE
const EnvPrefix = "CRANK"

// ARCHITECTURAL DISCOVERY: One struct per concern, decoded by viper through
// mapstructure tags so file, env and flag sources share a single key space
type Config struct {
	Endpoint  string          `mapstructure:"endpoint"`
	Ramp      RampConfig      `mapstructure:"ramp"`
	Transport TransportConfig `mapstructure:"transport"`
	Report    ReportConfig    `mapstructure:"report"`
	Status    StatusConfig    `mapstructure:"status"`
	Results   ResultsConfig   `mapstructure:"results"`
	Log       LogConfig       `mapstructure:"log"`
}

type RampConfig struct {
	Clients   int           `mapstructure:"clients"`
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
	// SettleAfterLast also waits Interval after the final batch
	SettleAfterLast bool `mapstructure:"settle_after_last"`
	// Workers bounds concurrent attempts per batch; 0 is unbounded
	Workers int `mapstructure:"workers"`
}

type TransportConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// PingInterval enables keepalive pings when positive
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
}

type ReportConfig struct {
	// Interval of the periodic census log line; 0 disables it
	Interval time.Duration `mapstructure:"interval"`
}

type StatusConfig struct {
	// Addr of the status server; empty disables it
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type ResultsConfig struct {
	// Path of the SQLite run log; empty disables it
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the built-in defaults. Endpoint and client count have
// no default and must be supplied
func DefaultConfig() *Config {
	return &Config{
		Ramp: RampConfig{
			BatchSize: 50,
			Interval:  3 * time.Second,
		},
		Transport: TransportConfig{
			HandshakeTimeout: 45 * time.Second,
			WriteTimeout:     10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		Status: StatusConfig{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers DefaultConfig on v. Every key needs a default for
// AutomaticEnv to reach it during Unmarshal
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("endpoint", d.Endpoint)
	v.SetDefault("ramp.clients", d.Ramp.Clients)
	v.SetDefault("ramp.batch_size", d.Ramp.BatchSize)
	v.SetDefault("ramp.interval", d.Ramp.Interval)
	v.SetDefault("ramp.settle_after_last", d.Ramp.SettleAfterLast)
	v.SetDefault("ramp.workers", d.Ramp.Workers)
	v.SetDefault("transport.handshake_timeout", d.Transport.HandshakeTimeout)
	v.SetDefault("transport.ping_interval", d.Transport.PingInterval)
	v.SetDefault("transport.write_timeout", d.Transport.WriteTimeout)
	v.SetDefault("transport.read_buffer_size", d.Transport.ReadBufferSize)
	v.SetDefault("transport.write_buffer_size", d.Transport.WriteBufferSize)
	v.SetDefault("report.interval", d.Report.Interval)
	v.SetDefault("status.addr", d.Status.Addr)
	v.SetDefault("status.read_timeout", d.Status.ReadTimeout)
	v.SetDefault("status.write_timeout", d.Status.WriteTimeout)
	v.SetDefault("results.path", d.Results.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// New returns a viper instance with defaults and CRANK_ environment
// overrides wired in
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// FlagKeys maps command line flag names to config keys
var FlagKeys = map[string]string{
	"workers":           "ramp.workers",
	"settle-after-last": "ramp.settle_after_last",
	"handshake-timeout": "transport.handshake_timeout",
	"ping-interval":     "transport.ping_interval",
	"report-interval":   "report.interval",
	"status-addr":       "status.addr",
	"results-db":        "results.path",
	"log-level":         "log.level",
	"log-format":        "log.format",
}

// BindFlags binds every flag in FlagKeys present on flags. Bound flags win
// over file and environment only when set explicitly
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range FlagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional config file at path into v, then decodes and
// validates the merged configuration
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the driver cannot run with
func (c *Config) Validate() error {
	if err := types.ValidateEndpoint(c.Endpoint); err != nil {
		return err
	}
	if err := types.ValidateRamp(c.Ramp.Clients, c.Ramp.BatchSize, c.Ramp.Interval); err != nil {
		return err
	}
	if c.Ramp.Workers < 0 {
		return errors.New("ramp workers cannot be negative")
	}

	if c.Transport.HandshakeTimeout <= 0 {
		return errors.New("transport handshake timeout must be positive")
	}
	if c.Transport.PingInterval < 0 {
		return errors.New("transport ping interval cannot be negative")
	}
	if c.Transport.WriteTimeout <= 0 {
		return errors.New("transport write timeout must be positive")
	}
	if c.Transport.ReadBufferSize < 0 || c.Transport.WriteBufferSize < 0 {
		return errors.New("transport buffer sizes cannot be negative")
	}

	if c.Report.Interval < 0 {
		return errors.New("report interval cannot be negative")
	}
	if c.Status.Addr != "" && (c.Status.ReadTimeout <= 0 || c.Status.WriteTimeout <= 0) {
		return errors.New("status server timeouts must be positive")
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}

	return nil
}
