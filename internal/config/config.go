// Package config provides configuration parsing and validation for
// Wormhole Transit.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/wormhole-transit/internal/wire"
)

// DefaultAppID is the application ID the stock file-transfer protocol uses.
const DefaultAppID = "lothar.com/wormhole/text-or-file-xfer"

// Config represents the complete configuration.
type Config struct {
	AppID       string            `yaml:"app_id"`
	Log         LogConfig         `yaml:"log"`
	Transit     TransitConfig     `yaml:"transit"`
	Transfer    TransferConfig    `yaml:"transfer"`
	RelayServer RelayServerConfig `yaml:"relay_server"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// RelayConfig names a Transit relay to advertise and dial.
type RelayConfig struct {
	Hostname string  `yaml:"hostname"`
	Port     uint16  `yaml:"port"`
	Priority float64 `yaml:"priority"`
}

// TransitConfig controls connection negotiation.
type TransitConfig struct {
	// ListenPort pins the inbound direct port (0 = ephemeral).
	ListenPort uint16 `yaml:"listen_port"`

	// NoListen disables inbound direct candidates entirely.
	NoListen bool `yaml:"no_listen"`

	// Abilities advertised to the peer. Empty means both
	// direct-tcp-v1 and relay-v1.
	Abilities []string `yaml:"abilities"`

	// Relay is the optional relay server, advertised to the peer and raced
	// alongside the direct candidates.
	Relay *RelayConfig `yaml:"relay"`
}

// TransferConfig controls the record pipeline.
type TransferConfig struct {
	// RateLimitBPS throttles sending in plaintext bytes per second
	// (0 = unthrottled).
	RateLimitBPS int64 `yaml:"rate_limit_bps"`
}

// RelayServerConfig configures the relay subcommand.
type RelayServerConfig struct {
	// Address to listen on, e.g. ":4001".
	Address string `yaml:"address"`

	// HandshakeTimeout bounds the client handshake line read.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// PairingTimeout bounds how long a lone side waits for its partner.
	PairingTimeout time.Duration `yaml:"pairing_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Address to expose /metrics on. Empty disables the endpoint.
	Address string `yaml:"address"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		AppID: DefaultAppID,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Transit: TransitConfig{
			Abilities: []string{string(wire.AbilityDirectTCPV1), string(wire.AbilityRelayV1)},
		},
		RelayServer: RelayServerConfig{
			Address:          ":4001",
			HandshakeTimeout: 30 * time.Second,
			PairingTimeout:   2 * time.Minute,
		},
	}
}

// Load reads and validates a YAML configuration file. Missing fields keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("app_id must not be empty")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}

	for _, a := range c.Transit.Abilities {
		switch wire.Ability(a) {
		case wire.AbilityDirectTCPV1, wire.AbilityRelayV1:
		default:
			return fmt.Errorf("transit.abilities entry %q is unknown", a)
		}
	}

	if r := c.Transit.Relay; r != nil {
		if r.Hostname == "" {
			return fmt.Errorf("transit.relay.hostname must not be empty")
		}
		if r.Port == 0 {
			return fmt.Errorf("transit.relay.port must not be zero")
		}
	}

	if c.Transfer.RateLimitBPS < 0 {
		return fmt.Errorf("transfer.rate_limit_bps must not be negative")
	}

	if c.RelayServer.Address != "" {
		if _, _, err := net.SplitHostPort(c.RelayServer.Address); err != nil {
			return fmt.Errorf("relay_server.address %q: %w", c.RelayServer.Address, err)
		}
	}
	if c.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("metrics.address %q: %w", c.Metrics.Address, err)
		}
	}

	return nil
}

// Abilities converts the configured ability names to wire abilities.
func (c *Config) Abilities() []wire.Ability {
	out := make([]wire.Ability, 0, len(c.Transit.Abilities))
	for _, a := range c.Transit.Abilities {
		out = append(out, wire.Ability(a))
	}
	return out
}

// RelayHint converts the configured relay, if any, to a connection hint.
func (c *Config) RelayHint() *wire.ConnectionHint {
	r := c.Transit.Relay
	if r == nil {
		return nil
	}
	hint := wire.RelayHint(wire.Hint{
		Type:     wire.AbilityDirectTCPV1,
		Priority: r.Priority,
		Hostname: r.Hostname,
		Port:     r.Port,
	})
	return &hint
}

// ParseRelayAddr converts a host:port string (the --relay flag) to a relay
// config entry.
func ParseRelayAddr(addr string) (*RelayConfig, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("relay address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("relay address %q: bad port", addr)
	}
	return &RelayConfig{Hostname: host, Port: uint16(port)}, nil
}

// Example returns a commented example configuration file.
func Example() string {
	return `# Wormhole Transit configuration

# Application ID the transit key is bound to. Both sides must agree.
app_id: "` + DefaultAppID + `"

log:
  # debug, info, warn, error
  level: info
  # text or json
  format: text

transit:
  # Pin the inbound direct TCP port (0 = ephemeral).
  listen_port: 0
  # Disable inbound direct candidates entirely.
  no_listen: false
  # Advertised transport abilities.
  abilities:
    - direct-tcp-v1
    - relay-v1
  # Optional transit relay, raced alongside direct connections.
  #relay:
  #  hostname: relay.example.com
  #  port: 4001
  #  priority: 0.0

transfer:
  # Throttle sending, in plaintext bytes per second (0 = unthrottled).
  rate_limit_bps: 0

# Settings for the "relay" subcommand.
relay_server:
  address: ":4001"
  handshake_timeout: 30s
  pairing_timeout: 2m

metrics:
  # Expose Prometheus metrics on this address (empty = disabled).
  #address: "127.0.0.1:9915"
  address: ""
`
}
