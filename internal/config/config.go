// Package config loads the hub's TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/network"
	"github.com/signalsfoundry/aseba-hub/protocol"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the content of an asebahub.toml file.
type Config struct {
	Network NetworkConfig `toml:"network"`
	Driver  DriverConfig  `toml:"driver"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
	Control ControlConfig `toml:"control"`
	Tracing TracingConfig `toml:"tracing"`
	Nodes   []NodeConfig  `toml:"nodes"`

	// Path is the file the configuration was read from, if any.
	Path string `toml:"-"`
}

type NetworkConfig struct {
	Address         string        `toml:"address"`
	Port            int           `toml:"port"`
	PollTimeout     time.Duration `toml:"poll_timeout"`
	MaxPayload      int           `toml:"max_payload"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	WebSocketOffset int           `toml:"websocket_offset"`
}

// DriverConfig controls the tick loop. A zero Duration runs until stopped.
type DriverConfig struct {
	Tick        time.Duration `toml:"tick"`
	Duration    time.Duration `toml:"duration"`
	Accelerated bool          `toml:"accelerated"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig enables the /metrics endpoint when Address is set.
type MetricsConfig struct {
	Address string `toml:"address"`
}

// ControlConfig enables the control API when Address is set.
type ControlConfig struct {
	Address string `toml:"address"`
}

type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	ServiceName string  `toml:"service_name"`
	Exporter    string  `toml:"exporter"`
	Endpoint    string  `toml:"endpoint"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// NodeConfig describes a node created at startup. Script is a path to a
// plain or .aesl file; Code is inline source. At most one may be set.
type NodeConfig struct {
	ID           int    `toml:"id"`
	Port         int    `toml:"port"`
	Kind         string `toml:"kind"`
	Name         string `toml:"name"`
	FriendlyName string `toml:"friendly_name"`
	UUID         string `toml:"uuid"`
	Script       string `toml:"script"`
	Code         string `toml:"code"`
}

// Default returns a configuration that runs a hub on the standard port with
// the control API and metrics enabled.
func Default() Config {
	return Config{
		Network: NetworkConfig{
			Address:      network.DefaultAddress,
			Port:         network.DefaultPort,
			PollTimeout:  network.DefaultPollTimeout,
			MaxPayload:   protocol.DefaultMaxPayload,
			WriteTimeout: network.DefaultWriteTimeout,
		},
		Driver:  DriverConfig{Tick: 50 * time.Millisecond},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Address: ":9090"},
		Control: ControlConfig{Address: ":50051"},
		Tracing: TracingConfig{ServiceName: "aseba-hub", Exporter: "stdout", SampleRatio: 1},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	cfg.Path = path
	return cfg, nil
}

// ApplyEnv overrides fields from the environment: ASEBA_ADDRESS,
// ASEBA_PORT, LOG_LEVEL and LOG_FORMAT.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup("ASEBA_ADDRESS"); ok && v != "" {
		c.Network.Address = v
	}
	if v, ok := lookup("ASEBA_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ASEBA_PORT %q: %w", v, err)
		}
		c.Network.Port = port
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok && v != "" {
		c.Log.Format = v
	}
	return nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if !validPort(c.Network.Port) {
		errs = append(errs, fmt.Errorf("network.port %d out of range", c.Network.Port))
	}
	if c.Network.MaxPayload <= 0 || c.Network.MaxPayload > 0xFFFF {
		errs = append(errs, fmt.Errorf("network.max_payload %d out of range", c.Network.MaxPayload))
	}
	if c.Network.WebSocketOffset < 0 || (c.Network.WebSocketOffset > 0 && !validPort(c.Network.Port+c.Network.WebSocketOffset)) {
		errs = append(errs, fmt.Errorf("network.websocket_offset %d out of range", c.Network.WebSocketOffset))
	}
	if c.Driver.Tick <= 0 {
		errs = append(errs, fmt.Errorf("driver.tick must be positive, got %s", c.Driver.Tick))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %v out of [0, 1]", c.Tracing.SampleRatio))
	}

	seen := make(map[int]bool)
	for i, n := range c.Nodes {
		if n.ID > 0 {
			if seen[n.ID] {
				errs = append(errs, fmt.Errorf("nodes[%d]: duplicate id %d", i, n.ID))
			}
			seen[n.ID] = true
		}
		if n.ID > 0xFFFF {
			errs = append(errs, fmt.Errorf("nodes[%d]: id %d out of range", i, n.ID))
		}
		if n.Port != 0 && !validPort(n.Port) {
			errs = append(errs, fmt.Errorf("nodes[%d]: port %d out of range", i, n.Port))
		}
		if n.Script != "" && n.Code != "" {
			errs = append(errs, fmt.Errorf("nodes[%d]: script and code are exclusive", i))
		}
		if n.UUID != "" {
			if _, err := uuid.Parse(n.UUID); err != nil {
				errs = append(errs, fmt.Errorf("nodes[%d]: uuid: %w", i, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// HubOptions maps the [network] table onto hub options.
func (c *Config) HubOptions(log logging.Logger) network.HubOptions {
	return network.HubOptions{
		Address:      c.Network.Address,
		PollTimeout:  c.Network.PollTimeout,
		MaxPayload:   c.Network.MaxPayload,
		WriteTimeout: c.Network.WriteTimeout,
		Logger:       log,
	}
}

// NodeSpecs converts the [[nodes]] entries. Nodes without a port use
// network.port and nodes without an id get the lowest free one.
func (c *Config) NodeSpecs() ([]network.NodeSpec, error) {
	specs := make([]network.NodeSpec, 0, len(c.Nodes))
	for i, n := range c.Nodes {
		spec := network.NodeSpec{
			ID:           n.ID,
			Port:         n.Port,
			Kind:         n.Kind,
			Name:         n.Name,
			FriendlyName: n.FriendlyName,
		}
		if spec.Port == 0 {
			spec.Port = c.Network.Port
		}
		if spec.ID == 0 {
			spec.ID = -1
		}
		if n.UUID != "" {
			id, err := uuid.Parse(n.UUID)
			if err != nil {
				return nil, fmt.Errorf("nodes[%d]: uuid: %w", i, err)
			}
			spec.StableID = id
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Logger builds the logger described by [log].
func (c *Config) Logger() logging.Logger {
	return logging.New(logging.Config{Level: c.Log.Level, Format: c.Log.Format})
}
