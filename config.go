package framenet

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the file configuration for a framenet node. All fields have
// working defaults; a TOML file overrides them selectively.
type Config struct {
	// Listen is the server's bind address.
	Listen string `toml:"listen"`
	// HeaderLen and ProtocolLen describe the deployment's header layout.
	HeaderLen   int `toml:"header_len"`
	ProtocolLen int `toml:"protocol_len"`
	// HeartbeatSeconds is the registry probe interval; 0 disables probing.
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
	// RetryBudget is the reconnect budget given to registry clients.
	RetryBudget int `toml:"retry_budget"`
	// Workers sizes the server's handler pool.
	Workers int `toml:"workers"`
	// ResolverURL overrides the identity lookup endpoint.
	ResolverURL string `toml:"resolver_url"`
	// RedisURL, when set, enables the identity cache.
	RedisURL string `toml:"redis_url"`
	// NATSURL, when set, enables the inbound frame tap.
	NATSURL string `toml:"nats_url"`
	// TapSubject prefixes uplink tap subjects.
	TapSubject string `toml:"tap_subject"`
	// MetricsListen is the bind address of the prometheus endpoint; empty
	// disables it.
	MetricsListen string `toml:"metrics_listen"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Listen:           "0.0.0.0:18341",
		HeaderLen:        8,
		ProtocolLen:      4,
		HeartbeatSeconds: 5,
		RetryBudget:      3,
		Workers:          defaultWorkers,
		TapSubject:       "framenet.uplink",
	}
}

// LoadConfig reads a TOML file over the defaults. An empty path returns the
// defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.Layout().Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Layout returns the header layout the config describes.
func (c Config) Layout() HeaderLayout {
	return HeaderLayout{HeaderLen: c.HeaderLen, ProtocolLen: c.ProtocolLen}
}
