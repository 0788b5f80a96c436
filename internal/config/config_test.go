package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/wormhole-transit/internal/wire"
)

func loadString(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return Load(path)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
	if cfg.AppID != DefaultAppID {
		t.Errorf("AppID = %q", cfg.AppID)
	}
	if len(cfg.Abilities()) != 2 {
		t.Errorf("Abilities() = %v", cfg.Abilities())
	}
	if cfg.RelayHint() != nil {
		t.Error("default config has a relay hint")
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := loadString(t, `
app_id: "example.org/custom-app"
log:
  level: debug
  format: json
transit:
  listen_port: 40001
  abilities:
    - direct-tcp-v1
  relay:
    hostname: relay.example.com
    port: 4001
    priority: 2.5
transfer:
  rate_limit_bps: 1048576
relay_server:
  address: "127.0.0.1:4002"
  handshake_timeout: 10s
  pairing_timeout: 1m
metrics:
  address: "127.0.0.1:9915"
`)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.AppID != "example.org/custom-app" {
		t.Errorf("AppID = %q", cfg.AppID)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Transit.ListenPort != 40001 {
		t.Errorf("ListenPort = %d", cfg.Transit.ListenPort)
	}
	if got := cfg.Abilities(); len(got) != 1 || got[0] != wire.AbilityDirectTCPV1 {
		t.Errorf("Abilities() = %v", got)
	}
	if cfg.Transfer.RateLimitBPS != 1048576 {
		t.Errorf("RateLimitBPS = %d", cfg.Transfer.RateLimitBPS)
	}
	if cfg.RelayServer.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v", cfg.RelayServer.HandshakeTimeout)
	}

	hint := cfg.RelayHint()
	if hint == nil {
		t.Fatal("RelayHint() = nil")
	}
	if hint.Type != wire.AbilityRelayV1 || len(hint.Relay) != 1 {
		t.Fatalf("RelayHint() = %+v", hint)
	}
	if hint.Relay[0].Hostname != "relay.example.com" || hint.Relay[0].Port != 4001 || hint.Relay[0].Priority != 2.5 {
		t.Errorf("relay entry = %+v", hint.Relay[0])
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of missing file succeeded")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty app id", `app_id: ""`},
		{"bad log level", "log:\n  level: loud"},
		{"bad log format", "log:\n  format: xml"},
		{"unknown ability", "transit:\n  abilities: [warp-drive-v1]"},
		{"relay without hostname", "transit:\n  relay:\n    port: 4001"},
		{"relay without port", "transit:\n  relay:\n    hostname: r.example"},
		{"negative rate limit", "transfer:\n  rate_limit_bps: -1"},
		{"bad relay server address", "relay_server:\n  address: \"nonsense\""},
		{"bad metrics address", "metrics:\n  address: \"nonsense\""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadString(t, tc.content); err == nil {
				t.Error("Load() accepted invalid config")
			}
		})
	}
}

func TestParseRelayAddr(t *testing.T) {
	r, err := ParseRelayAddr("relay.example.com:4001")
	if err != nil {
		t.Fatalf("ParseRelayAddr() error = %v", err)
	}
	if r.Hostname != "relay.example.com" || r.Port != 4001 {
		t.Errorf("ParseRelayAddr() = %+v", r)
	}

	for _, bad := range []string{"", "no-port", "host:0", "host:notanumber"} {
		if _, err := ParseRelayAddr(bad); err == nil {
			t.Errorf("ParseRelayAddr(%q) succeeded", bad)
		}
	}
}

func TestExampleParsesAndValidates(t *testing.T) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(Example()), cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config does not validate: %v", err)
	}
}
